package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryAttempt is the audit row written for every provider call.
type DeliveryAttempt struct {
	ID                string          `json:"id"`
	DeliveryID        string          `json:"deliveryId"`
	AttemptNumber     int             `json:"attemptNumber"`
	ProviderID        string          `json:"providerId,omitempty"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	Cost              decimal.Decimal `json:"cost"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Succeeded reports whether the provider accepted the attempt.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == ""
}

// DeliveryFilter selects records from a store. Zero values do not filter.
type DeliveryFilter struct {
	Statuses       []Status
	CreatedBefore  *time.Time
	RetryDueBefore *time.Time
	Limit          int
}

// Matches applies the filter to a single record.
func (f DeliveryFilter) Matches(r *DeliveryRecord) bool {
	if r == nil {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.RetryDueBefore != nil {
		if r.NextRetryAt == nil || r.NextRetryAt.After(*f.RetryDueBefore) {
			return false
		}
	}
	return true
}
