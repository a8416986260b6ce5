package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/events"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/tracker"
	"go.uber.org/zap"
)

// TrackingNotFoundMessage is reported for webhooks that match no delivery.
const TrackingNotFoundMessage = "Tracking not found"

const (
	webhookApplied   = "applied"
	webhookDuplicate = "duplicate"
	webhookNotFound  = "not_found"
	webhookRejected  = "rejected"
	webhookInvalid   = "invalid"
	webhookError     = "error"
)

type retryCanceler interface {
	Cancel(id string) bool
}

// WebhookIngester applies provider status callbacks to delivery records.
type WebhookIngester struct {
	tracker  *tracker.Tracker
	retries  retryCanceler
	bus      *events.Bus
	counters *deliveryCounters
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewWebhookIngester(deliveries *tracker.Tracker, retries *RetryScheduler, bus *events.Bus, logger *zap.Logger) (*WebhookIngester, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var canceler retryCanceler
	if retries != nil {
		canceler = retries
	}
	return newWebhookIngester(deliveries, canceler, bus, &deliveryCounters{}, logger), nil
}

func newWebhookIngester(
	deliveries *tracker.Tracker,
	retries retryCanceler,
	bus *events.Bus,
	counters *deliveryCounters,
	logger *zap.Logger,
) *WebhookIngester {
	return &WebhookIngester{
		tracker:  deliveries,
		retries:  retries,
		bus:      bus,
		counters: counters,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest reconciles one status callback. It never returns nil; an unknown
// message id is reported as a failed lookup, not as an error.
func (w *WebhookIngester) Ingest(ctx context.Context, payload domain.WebhookPayload) *domain.TrackResult {
	result, _ := w.ingest(ctx, payload)
	return result
}

// HandleStatusMessage feeds a queued delivery receipt through Ingest. Only
// store failures are returned so the consumer redelivers them.
func (w *WebhookIngester) HandleStatusMessage(ctx context.Context, msg queue.StatusMessage) error {
	_, err := w.ingest(ctx, msg.WebhookPayload())
	return err
}

func (w *WebhookIngester) ingest(ctx context.Context, payload domain.WebhookPayload) (*domain.TrackResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("providerMessageId", payload.MessageID),
		zap.String("providerStatus", payload.Status),
	)

	if err := payload.Validate(); err != nil {
		w.metrics.IncWebhookUpdate(payload.Status, webhookInvalid)
		return &domain.TrackResult{Error: err.Error()}, nil
	}

	status, err := domain.ParseProviderStatus(payload.Status)
	if err != nil {
		w.metrics.IncWebhookUpdate("unknown", webhookInvalid)
		logger.Warn("webhook rejected: unknown status")
		return &domain.TrackResult{Error: err.Error()}, nil
	}

	previous, record, err := w.tracker.Transition(ctx,
		tracker.Ref{ProviderMessageID: strings.TrimSpace(payload.MessageID)},
		status,
		payload.Timestamp,
		tracker.TransitionExtra{
			ErrorCode: payload.ErrorCode,
			Reason:    failureReason(status, payload),
		},
	)
	switch {
	case errors.Is(err, domain.ErrTrackingNotFound):
		w.metrics.IncWebhookUpdate(status.String(), webhookNotFound)
		logger.Info("webhook for unknown delivery ignored")
		return &domain.TrackResult{Error: TrackingNotFoundMessage}, nil
	case errors.Is(err, domain.ErrRecordTerminal), errors.Is(err, domain.ErrConflict):
		w.metrics.IncWebhookUpdate(status.String(), webhookRejected)
		logger.Info("webhook transition rejected",
			zap.String("previousStatus", previous.String()),
			zap.Error(err),
		)
		return &domain.TrackResult{PreviousStatus: previous, Error: err.Error()}, nil
	case err != nil:
		w.metrics.IncWebhookUpdate(status.String(), webhookError)
		logger.Error("failed to apply webhook", zap.Error(err))
		return &domain.TrackResult{Error: err.Error()}, err
	}

	logger = logger.With(zap.String("deliveryId", record.ID))
	if payload.Recipient != "" && !strings.EqualFold(strings.TrimSpace(payload.Recipient), record.Recipient) {
		logger.Warn("webhook recipient does not match delivery", zap.String("recipient", payload.Recipient))
	}

	result := &domain.TrackResult{
		Success:        true,
		DeliveryID:     record.ID,
		PreviousStatus: previous,
		NewStatus:      record.Status,
	}

	if previous == status {
		w.metrics.IncWebhookUpdate(status.String(), webhookDuplicate)
		logger.Debug("duplicate webhook ignored")
		return result, nil
	}

	w.metrics.IncWebhookUpdate(status.String(), webhookApplied)
	w.afterTransition(ctx, previous, record)

	logger.Info("delivery status updated",
		zap.String("previousStatus", previous.String()),
		zap.String("newStatus", record.Status.String()),
	)
	return result, nil
}

func (w *WebhookIngester) afterTransition(ctx context.Context, previous domain.Status, record *domain.DeliveryRecord) {
	if record.Status.IsTerminal() && w.retries != nil {
		w.retries.Cancel(record.ID)
	}

	var eventType events.Type
	switch record.Status {
	case domain.StatusDelivered:
		w.counters.delivered.Add(1)
		w.metrics.IncDeliveryDelivered(record.Channel.String())
		eventType = events.TypeDelivered
	case domain.StatusFailed:
		w.counters.failed.Add(1)
		w.metrics.IncDeliveryFailed(record.Channel.String(), "provider_reported")
		eventType = events.TypeDeliveryFailed
	case domain.StatusSent:
		if previous == domain.StatusPending {
			w.counters.sent.Add(1)
		}
		eventType = events.TypeSent
	default:
		return
	}

	e := events.FromRecord(eventType, record, w.now())
	e.CorrelationID, _ = observability.CorrelationIDFromContext(ctx)
	w.bus.Emit(ctx, e)
}

func failureReason(status domain.Status, payload domain.WebhookPayload) string {
	if status != domain.StatusFailed {
		return ""
	}
	reason := fmt.Sprintf("provider reported %s", strings.ToLower(strings.TrimSpace(payload.Status)))
	if payload.ErrorCode != "" {
		reason += fmt.Sprintf(" (error code %s)", payload.ErrorCode)
	}
	return reason
}
