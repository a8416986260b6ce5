package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SendRequest is a caller's notification intent.
type SendRequest struct {
	Channel        Channel
	TemplateID     string
	TemplateData   map[string]any
	Locale         string
	Role           string
	Message        string
	Subject        string
	To             string
	UserID         string
	NotificationID string
	Priority       Priority
	Metadata       Metadata
	MaxRetries     *int
}

func (r SendRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	hasTemplate := strings.TrimSpace(r.TemplateID) != ""
	hasMessage := strings.TrimSpace(r.Message) != ""
	if hasTemplate && hasMessage {
		return fmt.Errorf("%w: templateId and message are mutually exclusive", ErrValidation)
	}
	if !hasTemplate && !hasMessage {
		return fmt.Errorf("%w: either templateId or message is required", ErrValidation)
	}
	if r.Channel != "" && !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	return r.Metadata.Validate()
}

// SendResult is returned for every single send, successful or not.
type SendResult struct {
	Success           bool            `json:"success"`
	DeliveryID        string          `json:"deliveryId,omitempty"`
	ProviderID        string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"messageId,omitempty"`
	Cost              decimal.Decimal `json:"cost"`
	Attempts          int             `json:"attempts"`
	SMSCount          int             `json:"smsCount,omitempty"`
	Truncated         bool            `json:"truncated,omitempty"`
	RetryScheduled    bool            `json:"retryScheduled,omitempty"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// RecipientResult is one entry of a bulk job.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	SendResult
}

// BulkResult aggregates an ephemeral bulk job. It is never persisted.
type BulkResult struct {
	TotalRecipients int               `json:"totalRecipients"`
	SuccessCount    int               `json:"successCount"`
	FailureCount    int               `json:"failureCount"`
	SuccessRate     float64           `json:"successRate"`
	TotalCost       decimal.Decimal   `json:"totalCost"`
	Results         []RecipientResult `json:"results"`
}

// WebhookPayload is an inbound provider status callback.
type WebhookPayload struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}

func (p WebhookPayload) Validate() error {
	if strings.TrimSpace(p.MessageID) == "" {
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	if strings.TrimSpace(p.Status) == "" {
		return fmt.Errorf("%w: status is required", ErrValidation)
	}
	return nil
}

// TrackResult reports the outcome of webhook reconciliation.
type TrackResult struct {
	Success        bool   `json:"success"`
	DeliveryID     string `json:"deliveryId,omitempty"`
	PreviousStatus Status `json:"previousStatus,omitempty"`
	NewStatus      Status `json:"newStatus,omitempty"`
	Error          string `json:"error,omitempty"`
}
