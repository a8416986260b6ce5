package events

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Type names a delivery lifecycle event.
type Type string

const (
	TypeSent           Type = "sent"
	TypeDelivered      Type = "delivered"
	TypeDeliveryFailed Type = "deliveryFailed"
	TypeRetryScheduled Type = "retryScheduled"
	TypeCostAlert      Type = "costAlert"
)

func (t Type) String() string { return string(t) }

// Event is the only channel through which the engine reports back to the rest
// of the system.
type Event struct {
	Type              Type            `json:"type"`
	DeliveryID        string          `json:"deliveryId,omitempty"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	Channel           domain.Channel  `json:"channel,omitempty"`
	Recipient         string          `json:"recipient,omitempty"`
	ProviderID        string          `json:"providerId,omitempty"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	Status            domain.Status   `json:"status,omitempty"`
	Priority          domain.Priority `json:"priority,omitempty"`
	Attempts          int             `json:"attempts,omitempty"`
	Cost              decimal.Decimal `json:"cost"`
	Reason            string          `json:"reason,omitempty"`
	Metadata          domain.Metadata `json:"metadata,omitempty"`
	RetryAt           *time.Time      `json:"retryAt,omitempty"`
	OccurredAt        time.Time       `json:"occurredAt"`
}

// Key identifies the event for broker deduplication and partitioning.
func (e Event) Key() string {
	if e.DeliveryID != "" {
		return e.DeliveryID
	}
	return string(e.Type)
}

// FromRecord fills the record-derived fields of an event.
func FromRecord(t Type, r *domain.DeliveryRecord, at time.Time) Event {
	e := Event{Type: t, OccurredAt: at.UTC(), Cost: decimal.Zero}
	if r == nil {
		return e
	}

	e.DeliveryID = r.ID
	e.Channel = r.Channel
	e.Recipient = r.Recipient
	e.ProviderID = r.ProviderID
	e.ProviderMessageID = r.ProviderMessageID
	e.Status = r.Status
	e.Priority = r.Priority
	e.Attempts = r.Attempts
	e.Cost = r.Cost
	e.Reason = r.FailureReason
	e.Metadata = r.Metadata.Clone()
	if r.NextRetryAt != nil {
		at := *r.NextRetryAt
		e.RetryAt = &at
	}
	return e
}
