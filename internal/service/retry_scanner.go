package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanLimit    = 100
)

// DueRetryLister lists pending deliveries whose retry time has passed.
type DueRetryLister interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryRecord, error)
}

// RetryResumer arms an in-process retry for a due delivery.
type RetryResumer interface {
	ResumeRetry(record *domain.DeliveryRecord) bool
}

// RetryScanner periodically re-arms due retries that have no timer in this
// process, such as retries persisted before a restart.
type RetryScanner struct {
	deliveries DueRetryLister
	resumer    RetryResumer
	logger     *zap.Logger
	interval   time.Duration
	limit      int
	now        func() time.Time
}

func NewRetryScanner(
	deliveries DueRetryLister,
	resumer RetryResumer,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery lister is required")
	}
	if resumer == nil {
		return nil, fmt.Errorf("retry resumer is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		deliveries: deliveries,
		resumer:    resumer,
		logger:     logger,
		interval:   interval,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so retries persisted before a restart do not wait for the first tick.
	if _, err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) (int, error) {
	due, err := s.deliveries.DueRetries(ctx, s.now(), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	resumed := 0
	for _, record := range due {
		if !s.resumer.ResumeRetry(record) {
			continue
		}
		resumed++
		s.logger.Info("resumed orphaned retry",
			zap.String("deliveryId", record.ID),
			zap.Int("attempts", record.Attempts),
		)
	}

	return resumed, nil
}
