package provider

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Provider is the outbound delivery port for one channel.
type Provider interface {
	ID() string
	Channel() domain.Channel
	Dispatch(ctx context.Context, recipient string, content Content) (*DispatchResult, error)
}

// Content is what a provider transmits.
type Content struct {
	Subject  string
	Text     string
	Metadata domain.Metadata
}

// DispatchResult stores provider call metadata for the delivery record.
type DispatchResult struct {
	ProviderID        string
	ProviderMessageID string
	Cost              decimal.Decimal
}
