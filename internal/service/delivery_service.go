package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/events"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/templating"
	"github.com/kursadbilgin/delivery-engine/internal/tracker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCleanupMaxAge   = 24 * time.Hour
	defaultBatchSize       = 10
	defaultDeliveryTimeout = 5 * time.Minute
)

var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Config holds the orchestration settings of DeliveryService.
type Config struct {
	MaxRetries         int
	RetryDelays        []time.Duration
	DeliveryTimeout    time.Duration
	BatchSize          int
	RateLimitDelay     time.Duration
	CostAlertThreshold decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      domain.DefaultMaxRetries,
		RetryDelays:     append([]time.Duration(nil), defaultRetryDelays...),
		DeliveryTimeout: defaultDeliveryTimeout,
		BatchSize:       defaultBatchSize,
		RateLimitDelay:  100 * time.Millisecond,
	}
}

// ProviderDispatcher sends content through the best available provider of a channel.
type ProviderDispatcher interface {
	Dispatch(ctx context.Context, channel domain.Channel, recipient string, content provider.Content) (*provider.DispatchResult, error)
	Health() map[string]provider.Health
}

// DeliveryService turns send requests into tracked, retried deliveries.
type DeliveryService struct {
	cfg       Config
	templates *templating.Engine
	providers ProviderDispatcher
	tracker   *tracker.Tracker
	retries   *RetryScheduler
	ingester  *WebhookIngester
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *observability.Metrics
	counters  *deliveryCounters
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type preparedContent struct {
	channel    domain.Channel
	templateID string
	subject    string
	text       string
	smsCount   int
	truncated  bool
}

func NewDeliveryService(
	cfg Config,
	templates *templating.Engine,
	providers ProviderDispatcher,
	deliveries *tracker.Tracker,
	bus *events.Bus,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if templates == nil {
		return nil, fmt.Errorf("template engine is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider dispatcher is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	for _, d := range cfg.RetryDelays {
		if d < 0 {
			return nil, fmt.Errorf("retry delays must not be negative")
		}
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = append([]time.Duration(nil), defaultRetryDelays...)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	counters := &deliveryCounters{}
	retries := NewRetryScheduler()

	s := &DeliveryService{
		cfg:       cfg,
		templates: templates,
		providers: providers,
		tracker:   deliveries,
		retries:   retries,
		bus:       bus,
		logger:    logger,
		counters:  counters,
		now:       time.Now,
		sleep:     sleepContext,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	s.ingester = newWebhookIngester(deliveries, retries, bus, counters, logger)

	return s, nil
}

func (s *DeliveryService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
	s.ingester.metrics = metrics
}

// Ingester exposes the webhook path for other status feeds such as the receipt queue.
func (s *DeliveryService) Ingester() *WebhookIngester {
	return s.ingester
}

// SendOptimizedSMS sends req over SMS, truncating raw text to one segment.
func (s *DeliveryService) SendOptimizedSMS(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	req.Channel = domain.ChannelSMS
	return s.Send(ctx, req)
}

// Send renders or optimizes the content, creates one delivery record and makes
// the first dispatch attempt. A retryable failure returns ErrRetryScheduled and
// leaves the record pending; later attempts reuse the same record.
func (s *DeliveryService) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := observability.CorrelationIDFromContext(ctx); !ok {
		ctx = observability.WithCorrelationID(ctx, observability.NewCorrelationID())
	}

	if err := req.Validate(); err != nil {
		return failedResult(err), err
	}

	content, err := s.prepare(req)
	if err != nil {
		return failedResult(err), err
	}

	maxRetries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	record, err := s.tracker.Create(ctx, tracker.NewDelivery{
		Channel:         content.channel,
		Recipient:       req.To,
		RenderedContent: content.text,
		Subject:         content.subject,
		TemplateID:      content.templateID,
		UserID:          req.UserID,
		NotificationID:  req.NotificationID,
		Priority:        req.Priority,
		Metadata:        req.Metadata,
		MaxRetries:      maxRetries,
	})
	if err != nil {
		return failedResult(err), err
	}
	s.counters.requests.Add(1)

	observability.DeliveryLogger(s.logger, ctx, record.ID).Debug("delivery created",
		zap.String("channel", record.Channel.String()),
		zap.String("templateId", record.TemplateID),
		zap.Int("smsCount", content.smsCount),
	)

	result, err := s.dispatch(ctx, record)
	result.SMSCount = content.smsCount
	result.Truncated = content.truncated
	return result, err
}

func (s *DeliveryService) prepare(req domain.SendRequest) (*preparedContent, error) {
	if templateID := strings.TrimSpace(req.TemplateID); templateID != "" {
		rendered, err := s.templates.Render(templateID, req.TemplateData, templating.RenderOptions{
			Locale: req.Locale,
			Role:   req.Role,
		})
		if err != nil {
			return nil, err
		}
		if req.Channel != "" && req.Channel != rendered.Channel {
			return nil, fmt.Errorf("%w: template %q renders %s content, not %s",
				domain.ErrValidation, templateID, rendered.Channel, req.Channel)
		}
		if err := s.validateContent(rendered.Raw, rendered.Channel); err != nil {
			return nil, err
		}

		subject := rendered.Subject
		if subject == "" {
			subject = req.Subject
		}

		return &preparedContent{
			channel:    rendered.Channel,
			templateID: rendered.TemplateID,
			subject:    subject,
			text:       rendered.Text,
			smsCount:   rendered.SMSCount,
			truncated:  rendered.Truncated,
		}, nil
	}

	if !req.Channel.IsValid() {
		return nil, fmt.Errorf("%w: channel is required for raw messages", domain.ErrValidation)
	}
	if err := s.validateContent(req.Message, req.Channel); err != nil {
		return nil, err
	}

	optimized := s.templates.OptimizeForChannel(req.Message, req.Channel)
	return &preparedContent{
		channel:   req.Channel,
		subject:   req.Subject,
		text:      optimized.Text,
		smsCount:  optimized.SMSCount,
		truncated: optimized.Truncated,
	}, nil
}

func (s *DeliveryService) validateContent(text string, channel domain.Channel) error {
	validation := s.templates.ValidateContent(text, channel)
	if validation.IsValid {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(validation.Errors, "; "))
}

// dispatch makes one provider attempt for a pending record.
func (s *DeliveryService) dispatch(ctx context.Context, record *domain.DeliveryRecord) (*domain.SendResult, error) {
	logger := observability.DeliveryLogger(s.logger, ctx, record.ID)

	dispatched, dispatchErr := s.providers.Dispatch(ctx, record.Channel, record.Recipient, provider.Content{
		Subject:  record.Subject,
		Text:     record.RenderedContent,
		Metadata: record.Metadata,
	})

	attempt := tracker.Attempt{Err: dispatchErr}
	if dispatched != nil {
		attempt.ProviderID = dispatched.ProviderID
		attempt.ProviderMessageID = dispatched.ProviderMessageID
		attempt.Cost = dispatched.Cost
	}
	if dispatchErr != nil {
		attempt.ErrorCode = provider.ErrorCode(dispatchErr)
		var providerErr *provider.ProviderError
		if errors.As(dispatchErr, &providerErr) {
			attempt.ProviderID = providerErr.ProviderID
		}
	}

	updated, err := s.tracker.RecordAttempt(ctx, record.ID, attempt)
	if err != nil {
		logger.Error("failed to record delivery attempt",
			zap.Bool("providerAccepted", dispatchErr == nil),
			zap.Error(err),
		)
		result := failedResult(err)
		result.DeliveryID = record.ID
		result.ProviderID = attempt.ProviderID
		result.ProviderMessageID = attempt.ProviderMessageID
		result.Attempts = record.Attempts
		return result, fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	if dispatchErr != nil {
		return s.handleFailure(ctx, updated, attempt.ProviderID, dispatchErr)
	}

	s.counters.sent.Add(1)
	s.counters.addCost(updated.Cost)
	s.metrics.IncDeliverySent(updated.Channel.String(), updated.ProviderID)
	s.emit(ctx, events.TypeSent, updated)
	s.checkDeliveryCost(ctx, updated)

	logger.Info("delivery sent",
		zap.String("providerId", updated.ProviderID),
		zap.String("providerMessageId", updated.ProviderMessageID),
		zap.Int("attempts", updated.Attempts),
	)

	return &domain.SendResult{
		Success:           true,
		DeliveryID:        updated.ID,
		ProviderID:        updated.ProviderID,
		ProviderMessageID: updated.ProviderMessageID,
		Cost:              updated.Cost,
		Attempts:          updated.Attempts,
	}, nil
}

func (s *DeliveryService) handleFailure(ctx context.Context, record *domain.DeliveryRecord, providerID string, dispatchErr error) (*domain.SendResult, error) {
	logger := observability.DeliveryLogger(s.logger, ctx, record.ID)

	result := failedResult(dispatchErr)
	result.DeliveryID = record.ID
	result.ProviderID = providerID
	result.Attempts = record.Attempts

	retryable := s.ShouldRetry(dispatchErr)
	timedOut := s.expired(record)

	if retryable && record.Attempts <= record.MaxRetries && !timedOut {
		delay := s.retryDelay(record.Attempts)
		retryAt := s.now().UTC().Add(delay)

		scheduled, err := s.tracker.ScheduleRetry(ctx, record.ID, retryAt)
		if err != nil {
			logger.Error("failed to persist retry schedule", zap.Error(err))
			return result, fmt.Errorf("failed to schedule retry: %w", err)
		}

		if !s.retries.Schedule(record.ID, delay, s.retryFunc(record.ID)) {
			logger.Warn("retry scheduler stopped; retry left for the scanner")
		}

		s.counters.retries.Add(1)
		s.metrics.IncRetryScheduled(record.Channel.String())
		s.emit(ctx, events.TypeRetryScheduled, scheduled)

		logger.Warn("delivery attempt failed, retry scheduled",
			zap.String("providerId", providerID),
			zap.Int("attempts", record.Attempts),
			zap.Duration("delay", delay),
			zap.Error(dispatchErr),
		)

		result.RetryScheduled = true
		result.NextRetryAt = &retryAt
		return result, fmt.Errorf("%w: %w", domain.ErrRetryScheduled, dispatchErr)
	}

	failed, err := s.tracker.MarkFailed(ctx, record.ID, dispatchErr.Error(), provider.ErrorCode(dispatchErr))
	if err != nil {
		logger.Error("failed to mark delivery as failed", zap.Error(err))
		return result, fmt.Errorf("failed to mark delivery as failed: %w", err)
	}

	reason := "permanent_error"
	if retryable {
		reason = "retry_exhausted"
		if timedOut {
			reason = "delivery_timeout"
		}
	}

	s.counters.failed.Add(1)
	s.metrics.IncDeliveryFailed(record.Channel.String(), reason)
	s.emit(ctx, events.TypeDeliveryFailed, failed)

	logger.Warn("delivery failed",
		zap.String("providerId", providerID),
		zap.String("reason", reason),
		zap.Int("attempts", failed.Attempts),
		zap.Error(dispatchErr),
	)

	if retryable {
		return result, fmt.Errorf("%w: %w", domain.ErrRetryExhausted, dispatchErr)
	}
	return result, dispatchErr
}

// ShouldRetry reports whether a dispatch error is transient.
func (s *DeliveryService) ShouldRetry(err error) bool {
	return provider.IsRetryable(err)
}

func (s *DeliveryService) retryDelay(attempts int) time.Duration {
	delays := s.cfg.RetryDelays
	if len(delays) == 0 {
		return 0
	}

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func (s *DeliveryService) expired(record *domain.DeliveryRecord) bool {
	if s.cfg.DeliveryTimeout <= 0 {
		return false
	}
	return s.now().Sub(record.CreatedAt) > s.cfg.DeliveryTimeout
}

func (s *DeliveryService) retryFunc(id string) func() {
	return func() { s.reattempt(id) }
}

// reattempt runs a scheduled retry. It is a no-op unless the record is still pending.
func (s *DeliveryService) reattempt(id string) {
	ctx := observability.WithCorrelationID(s.baseCtx, observability.NewCorrelationID())
	logger := observability.DeliveryLogger(s.logger, ctx, id)

	record, err := s.tracker.Get(ctx, id)
	if err != nil {
		logger.Warn("retry skipped: delivery unavailable", zap.Error(err))
		return
	}
	if record.Status != domain.StatusPending {
		logger.Info("retry skipped: delivery no longer pending", zap.String("status", record.Status.String()))
		return
	}

	_, err = s.dispatch(ctx, record)
	switch {
	case err == nil:
		logger.Info("retry succeeded")
	case errors.Is(err, domain.ErrRetryScheduled):
		logger.Debug("retry failed again", zap.Error(err))
	default:
		logger.Debug("retry ended the delivery", zap.Error(err))
	}
}

// ResumeRetry arms a timer for a pending record whose retry has no timer in
// this process, for example after a restart. It returns false when one is already armed.
func (s *DeliveryService) ResumeRetry(record *domain.DeliveryRecord) bool {
	if record == nil || record.Status != domain.StatusPending || s.retries.IsPending(record.ID) {
		return false
	}

	var delay time.Duration
	if record.NextRetryAt != nil {
		delay = record.NextRetryAt.Sub(s.now())
	}
	return s.retries.Schedule(record.ID, delay, s.retryFunc(record.ID))
}

// SendBulkOptimizedSMS sends req to every recipient over SMS.
func (s *DeliveryService) SendBulkOptimizedSMS(ctx context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult {
	req.Channel = domain.ChannelSMS
	return s.SendBulk(ctx, recipients, req)
}

// SendBulk runs one independent send per recipient, at most BatchSize at a
// time. It always returns a summary with results in input order.
func (s *DeliveryService) SendBulk(ctx context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := observability.CorrelationIDFromContext(ctx); !ok {
		ctx = observability.WithCorrelationID(ctx, observability.NewCorrelationID())
	}

	results := make([]domain.RecipientResult, len(recipients))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.BatchSize)

	launched := 0
	for i, recipient := range recipients {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.RateLimitDelay); err != nil {
				break
			}
		}

		i, recipient := i, recipient
		single := req
		single.To = recipient
		single.Metadata = req.Metadata.Clone()

		g.Go(func() error {
			result, err := s.Send(ctx, single)
			results[i] = domain.RecipientResult{Recipient: recipient, SendResult: *result}
			if err != nil && results[i].Error == "" {
				results[i].Error = err.Error()
			}
			return nil
		})
		launched++
	}
	_ = g.Wait()

	for i := launched; i < len(recipients); i++ {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		results[i] = domain.RecipientResult{Recipient: recipients[i], SendResult: *failedResult(err)}
	}

	bulk := summarizeBulk(results)
	if s.cfg.CostAlertThreshold.IsPositive() && bulk.TotalCost.GreaterThan(s.cfg.CostAlertThreshold) {
		e := events.Event{
			Type:       events.TypeCostAlert,
			Cost:       bulk.TotalCost,
			Channel:    req.Channel,
			Reason:     fmt.Sprintf("bulk job cost %s exceeds threshold %s", bulk.TotalCost, s.cfg.CostAlertThreshold),
			OccurredAt: s.now().UTC(),
		}
		e.CorrelationID, _ = observability.CorrelationIDFromContext(ctx)
		s.bus.Emit(ctx, e)
	}

	observability.WithContextLogger(s.logger, ctx).Info("bulk send finished",
		zap.Int("totalRecipients", bulk.TotalRecipients),
		zap.Int("successCount", bulk.SuccessCount),
		zap.Int("failureCount", bulk.FailureCount),
		zap.String("totalCost", bulk.TotalCost.String()),
	)

	return bulk
}

func summarizeBulk(results []domain.RecipientResult) *domain.BulkResult {
	bulk := &domain.BulkResult{
		TotalRecipients: len(results),
		TotalCost:       decimal.Zero,
		Results:         results,
	}

	for _, r := range results {
		if r.Success {
			bulk.SuccessCount++
			bulk.TotalCost = bulk.TotalCost.Add(r.Cost)
			continue
		}
		bulk.FailureCount++
	}

	if bulk.TotalRecipients > 0 {
		bulk.SuccessRate = roundTo2(float64(bulk.SuccessCount) / float64(bulk.TotalRecipients) * 100)
	}
	return bulk
}

// TrackDeliveryStatus reconciles a provider status callback.
func (s *DeliveryService) TrackDeliveryStatus(ctx context.Context, payload domain.WebhookPayload) *domain.TrackResult {
	return s.ingester.Ingest(ctx, payload)
}

// GetDeliveryStatus returns the record, or nil when it does not exist.
func (s *DeliveryService) GetDeliveryStatus(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	record, err := s.tracker.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return record, err
}

// Attempts returns the audit trail of a delivery.
func (s *DeliveryService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	return s.tracker.Attempts(ctx, id)
}

func (s *DeliveryService) GetDeliveryStats() Stats {
	return s.counters.snapshot()
}

func (s *DeliveryService) GetHealthStatus() HealthStatus {
	stats := s.counters.snapshot()

	return HealthStatus{
		Status:         classifyHealth(stats.SuccessRate),
		DeliveryStats:  stats,
		ProviderHealth: s.providers.Health(),
		TemplateStats:  s.templates.Stats(),
		PendingRetries: s.retries.Pending(),
		CheckedAt:      s.now().UTC(),
	}
}

// CleanupOldDeliveries removes delivered and failed records older than maxAge.
// Pending and sent records are kept regardless of age.
func (s *DeliveryService) CleanupOldDeliveries(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}

	removed, err := s.tracker.Cleanup(ctx, maxAge)
	if err != nil {
		return removed, fmt.Errorf("failed to clean up deliveries: %w", err)
	}

	if removed > 0 {
		observability.WithContextLogger(s.logger, ctx).Info("old deliveries removed",
			zap.Int("count", removed),
			zap.Duration("maxAge", maxAge),
		)
	}
	return removed, nil
}

// Close stops pending retries and waits for running ones.
func (s *DeliveryService) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.retries.Stop()
	})
	return nil
}

func (s *DeliveryService) emit(ctx context.Context, t events.Type, record *domain.DeliveryRecord) {
	e := events.FromRecord(t, record, s.now())
	e.CorrelationID, _ = observability.CorrelationIDFromContext(ctx)
	s.bus.Emit(ctx, e)
}

func (s *DeliveryService) checkDeliveryCost(ctx context.Context, record *domain.DeliveryRecord) {
	threshold := s.cfg.CostAlertThreshold
	if !threshold.IsPositive() || !record.Cost.GreaterThan(threshold) {
		return
	}

	e := events.FromRecord(events.TypeCostAlert, record, s.now())
	e.CorrelationID, _ = observability.CorrelationIDFromContext(ctx)
	e.Reason = fmt.Sprintf("delivery cost %s exceeds threshold %s", record.Cost, threshold)
	s.bus.Emit(ctx, e)
}

func failedResult(err error) *domain.SendResult {
	result := &domain.SendResult{Cost: decimal.Zero}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
