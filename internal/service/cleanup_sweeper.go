package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultCleanupInterval = time.Hour

// DeliveryCleaner removes terminal deliveries older than maxAge.
type DeliveryCleaner interface {
	CleanupOldDeliveries(ctx context.Context, maxAge time.Duration) (int, error)
}

// CleanupSweeper periodically removes old terminal deliveries.
type CleanupSweeper struct {
	cleaner  DeliveryCleaner
	logger   *zap.Logger
	interval time.Duration
	maxAge   time.Duration
}

func NewCleanupSweeper(cleaner DeliveryCleaner, interval time.Duration, maxAge time.Duration, logger *zap.Logger) (*CleanupSweeper, error) {
	if cleaner == nil {
		return nil, fmt.Errorf("delivery cleaner is required")
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CleanupSweeper{
		cleaner:  cleaner,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
	}, nil
}

func (s *CleanupSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("cleanup sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *CleanupSweeper) sweep(ctx context.Context) error {
	removed, err := s.cleaner.CleanupOldDeliveries(ctx, s.maxAge)
	if err != nil {
		return err
	}

	s.logger.Debug("cleanup sweep finished",
		zap.Int("removed", removed),
		zap.Duration("maxAge", s.maxAge),
	)
	return nil
}
