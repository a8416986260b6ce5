package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxCASAttempts = 5

// errNoChange lets a mutation short-circuit without writing.
var errNoChange = errors.New("no change")

// NewDelivery is the input of Create.
type NewDelivery struct {
	Channel         domain.Channel
	Recipient       string
	RenderedContent string
	Subject         string
	TemplateID      string
	UserID          string
	NotificationID  string
	Priority        domain.Priority
	Metadata        domain.Metadata
	MaxRetries      int
}

// Attempt is the outcome of one provider call.
type Attempt struct {
	ProviderID        string
	ProviderMessageID string
	Cost              decimal.Decimal
	ErrorCode         string
	Err               error
}

// Ref addresses a record by delivery id or, failing that, by provider message id.
type Ref struct {
	DeliveryID        string
	ProviderMessageID string
}

// TransitionExtra carries optional failure details for Transition.
type TransitionExtra struct {
	ErrorCode string
	Reason    string
}

type Option func(*Tracker)

func WithAttemptRecorder(recorder AttemptRecorder) Option {
	return func(t *Tracker) { t.attempts = recorder }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// Tracker owns the delivery record lifecycle. Mutations of one record are
// serialized in process and written with compare-and-swap.
type Tracker struct {
	store    Store
	attempts AttemptRecorder
	locks    *keyedMutex
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func New(store Store, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:  store,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create stores a pending record with zero attempts.
func (t *Tracker) Create(ctx context.Context, in NewDelivery) (*domain.DeliveryRecord, error) {
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	record := &domain.DeliveryRecord{
		ID:              t.newID(),
		Channel:         in.Channel,
		Recipient:       strings.TrimSpace(in.Recipient),
		RenderedContent: in.RenderedContent,
		Subject:         in.Subject,
		TemplateID:      in.TemplateID,
		UserID:          in.UserID,
		NotificationID:  in.NotificationID,
		Priority:        priority,
		Metadata:        in.Metadata.Clone(),
		Status:          domain.StatusPending,
		MaxRetries:      in.MaxRetries,
		Cost:            decimal.Zero,
		CreatedAt:       t.now().UTC(),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	if err := t.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}

	return record.Clone(), nil
}

// Get returns a copy of the record or domain.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	return t.store.Get(ctx, id)
}

// RecordAttempt counts one provider call. Success moves the record to sent.
func (t *Tracker) RecordAttempt(ctx context.Context, id string, attempt Attempt) (*domain.DeliveryRecord, error) {
	at := t.now().UTC()

	record, err := t.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: delivery %s is %s", domain.ErrRecordTerminal, r.ID, r.Status)
		}

		r.Attempts++
		r.LastAttemptAt = &at
		r.NextRetryAt = nil

		if attempt.Err != nil {
			r.FailureReason = attempt.Err.Error()
			r.ErrorCode = attempt.ErrorCode
			return nil
		}

		// FailureReason and ErrorCode survive a later success for audit.
		if attempt.ProviderID != "" {
			r.ProviderID = attempt.ProviderID
		}
		r.ProviderMessageID = attempt.ProviderMessageID
		r.Cost = attempt.Cost
		if r.Status.CanTransitionTo(domain.StatusSent) {
			r.Status = domain.StatusSent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.recordAudit(ctx, record, attempt, at)
	return record, nil
}

// Transition applies a status reported by a provider. It returns the status
// held before the call. Unknown references yield domain.ErrTrackingNotFound.
func (t *Tracker) Transition(ctx context.Context, ref Ref, status domain.Status, ts time.Time, extra TransitionExtra) (domain.Status, *domain.DeliveryRecord, error) {
	if !status.IsValid() {
		return "", nil, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, status)
	}

	id, err := t.resolve(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	if ts.IsZero() {
		ts = t.now()
	}
	ts = ts.UTC()

	var previous domain.Status
	record, err := t.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		previous = r.Status

		if r.Status == status {
			return errNoChange
		}
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: delivery %s is %s", domain.ErrRecordTerminal, r.ID, r.Status)
		}
		if !r.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: delivery %s cannot move from %s to %s", domain.ErrConflict, r.ID, r.Status, status)
		}

		r.Status = status
		switch status {
		case domain.StatusDelivered:
			r.DeliveredAt = &ts
			r.NextRetryAt = nil
		case domain.StatusFailed:
			r.FailedAt = &ts
			r.NextRetryAt = nil
			if extra.Reason != "" {
				r.FailureReason = extra.Reason
			}
		}
		if extra.ErrorCode != "" {
			r.ErrorCode = extra.ErrorCode
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: delivery %s", domain.ErrTrackingNotFound, id)
		}
		return previous, nil, err
	}

	return previous, record, nil
}

// MarkFailed moves a non-delivered record to failed. Repeating it is a no-op.
func (t *Tracker) MarkFailed(ctx context.Context, id string, reason string, errorCode string) (*domain.DeliveryRecord, error) {
	at := t.now().UTC()

	return t.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		switch r.Status {
		case domain.StatusFailed:
			return errNoChange
		case domain.StatusDelivered:
			return fmt.Errorf("%w: delivery %s is delivered", domain.ErrRecordTerminal, r.ID)
		}

		r.Status = domain.StatusFailed
		r.FailedAt = &at
		r.NextRetryAt = nil
		if reason != "" {
			r.FailureReason = reason
		}
		if errorCode != "" {
			r.ErrorCode = errorCode
		}
		return nil
	})
}

// ScheduleRetry stores when the next attempt is due.
func (t *Tracker) ScheduleRetry(ctx context.Context, id string, at time.Time) (*domain.DeliveryRecord, error) {
	due := at.UTC()

	return t.mutate(ctx, id, func(r *domain.DeliveryRecord) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: delivery %s is %s", domain.ErrRecordTerminal, r.ID, r.Status)
		}
		r.NextRetryAt = &due
		return nil
	})
}

// DueRetries lists pending records whose retry time has passed.
func (t *Tracker) DueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryRecord, error) {
	due := now.UTC()
	return t.store.List(ctx, domain.DeliveryFilter{
		Statuses:       []domain.Status{domain.StatusPending},
		RetryDueBefore: &due,
		Limit:          limit,
	})
}

// List exposes filtered store reads for stats and admin views.
func (t *Tracker) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.DeliveryRecord, error) {
	return t.store.List(ctx, filter)
}

// Cleanup deletes terminal records created more than maxAge ago and returns
// how many were removed. Pending and sent records are never removed.
func (t *Tracker) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := t.now().UTC().Add(-maxAge)

	candidates, err := t.store.List(ctx, domain.DeliveryFilter{
		Statuses:      []domain.Status{domain.StatusDelivered, domain.StatusFailed},
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list cleanup candidates: %w", err)
	}

	removed := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		deleted, err := t.deleteIfExpired(ctx, candidate.ID, cutoff)
		if err != nil {
			t.logger.Warn("failed to delete delivery during cleanup",
				zap.String("deliveryId", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		if deleted {
			removed++
		}
	}

	return removed, nil
}

// Attempts returns the audit trail of a delivery when a recorder is configured.
func (t *Tracker) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if _, err := t.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if t.attempts == nil {
		return []domain.DeliveryAttempt{}, nil
	}
	return t.attempts.ListByDeliveryID(ctx, id)
}

func (t *Tracker) deleteIfExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	// Re-read under the lock: the record may have changed since List.
	record, err := t.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !record.Status.IsTerminal() || !record.CreatedAt.Before(cutoff) {
		return false, nil
	}

	if err := t.store.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Tracker) resolve(ctx context.Context, ref Ref) (string, error) {
	if id := strings.TrimSpace(ref.DeliveryID); id != "" {
		return id, nil
	}

	pmid := strings.TrimSpace(ref.ProviderMessageID)
	if pmid == "" {
		return "", fmt.Errorf("%w: delivery id or provider message id is required", domain.ErrValidation)
	}

	record, err := t.store.FindByProviderMessageID(ctx, pmid)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("%w: provider message %s", domain.ErrTrackingNotFound, pmid)
	}
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

func (t *Tracker) mutate(ctx context.Context, id string, fn func(*domain.DeliveryRecord) error) (*domain.DeliveryRecord, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	for i := 0; i < maxCASAttempts; i++ {
		record, err := t.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(record); err != nil {
			if errors.Is(err, errNoChange) {
				return record, nil
			}
			return nil, err
		}

		err = t.store.CompareAndSwap(ctx, record)
		if errors.Is(err, domain.ErrConflict) {
			// Another process wrote the record; reload and reapply.
			continue
		}
		if err != nil {
			return nil, err
		}
		return record.Clone(), nil
	}

	return nil, fmt.Errorf("%w: delivery %s kept changing", domain.ErrConflict, id)
}

func (t *Tracker) recordAudit(ctx context.Context, record *domain.DeliveryRecord, attempt Attempt, at time.Time) {
	if t.attempts == nil {
		return
	}

	audit := &domain.DeliveryAttempt{
		ID:                t.newID(),
		DeliveryID:        record.ID,
		AttemptNumber:     record.Attempts,
		ProviderID:        attempt.ProviderID,
		ProviderMessageID: attempt.ProviderMessageID,
		Cost:              attempt.Cost,
		ErrorCode:         attempt.ErrorCode,
		CreatedAt:         at,
	}
	if attempt.Err != nil {
		audit.Error = attempt.Err.Error()
	}

	// The record is already written; a lost audit row must not fail the delivery.
	if err := t.attempts.Create(ctx, audit); err != nil {
		t.logger.Warn("failed to record delivery attempt",
			zap.String("deliveryId", record.ID),
			zap.Int("attempt", record.Attempts),
			zap.Error(err),
		)
	}
}
