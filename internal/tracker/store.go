package tracker

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Store persists delivery records. Implementations return domain.ErrNotFound
// for unknown ids and domain.ErrConflict when a write loses a version race.
type Store interface {
	Get(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	// Put inserts a new record at version 1.
	Put(ctx context.Context, record *domain.DeliveryRecord) error
	// CompareAndSwap replaces the record when the stored version equals
	// record.Version, then bumps record.Version.
	CompareAndSwap(ctx context.Context, record *domain.DeliveryRecord) error
	Delete(ctx context.Context, id string) error
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)
	List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.DeliveryRecord, error)
}

// AttemptRecorder keeps an audit trail of provider calls. It is optional.
type AttemptRecorder interface {
	Create(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
}
