package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered, StatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// ParseProviderStatus normalizes provider-specific callback statuses.
func ParseProviderStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered", "delivrd", "delivery_success":
		return StatusDelivered, nil
	case "failed", "undelivered", "undeliv", "rejected", "expired", "bounced", "delivery_failed":
		return StatusFailed, nil
	case "sent", "queued", "accepted", "sending", "enroute", "submitted":
		return StatusSent, nil
	case "pending":
		return StatusPending, nil
	}
	return "", fmt.Errorf("%w: unknown provider status %q", ErrValidation, s)
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS    Channel = "sms"
	ChannelEmail  Channel = "email"
	ChannelSocket Channel = "socket"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelSocket:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return PriorityNormal, nil
	}
	pr := Priority(trimmed)
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Content limits per channel (in characters).
const (
	MaxSMSSegment         = 160
	MaxSMSConcatenated    = 1600
	SMSConcatSegmentChars = 153
	MaxEmailContent       = 10000
	MaxSocketContent      = 4000
)

// DefaultMaxRetries is used when a record is created without an explicit ceiling.
const DefaultMaxRetries = 3

// DeliveryRecord is one attempt lifecycle for one (recipient, content) pair.
type DeliveryRecord struct {
	ID                string          `json:"deliveryId"`
	Channel           Channel         `json:"channel"`
	Recipient         string          `json:"recipient"`
	RenderedContent   string          `json:"renderedContent"`
	Subject           string          `json:"subject,omitempty"`
	TemplateID        string          `json:"templateId,omitempty"`
	UserID            string          `json:"userId,omitempty"`
	NotificationID    string          `json:"notificationId,omitempty"`
	Priority          Priority        `json:"priority"`
	Metadata          Metadata        `json:"metadata,omitempty"`
	Status            Status          `json:"status"`
	Attempts          int             `json:"attempts"`
	MaxRetries        int             `json:"maxRetries"`
	ProviderID        string          `json:"providerId,omitempty"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	Cost              decimal.Decimal `json:"cost"`
	FailureReason     string          `json:"failureReason,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastAttemptAt     *time.Time      `json:"lastAttemptAt,omitempty"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	DeliveredAt       *time.Time      `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	Version           int64           `json:"version"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (r *DeliveryRecord) Clone() *DeliveryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = r.Metadata.Clone()
	c.LastAttemptAt = cloneTime(r.LastAttemptAt)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.DeliveredAt = cloneTime(r.DeliveredAt)
	c.FailedAt = cloneTime(r.FailedAt)
	return &c
}

func (r *DeliveryRecord) Validate() error {
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if r.RenderedContent == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	return r.Metadata.Validate()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
