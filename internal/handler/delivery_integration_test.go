package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/templating"
	"github.com/kursadbilgin/delivery-engine/internal/tracker"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestDeliveryIntegration_SendSMS(t *testing.T) {
	t.Parallel()

	var got domain.SendRequest
	var gotCorrelation string
	svc := &stubDeliveryService{
		sendSMSFn: func(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
			got = req
			gotCorrelation, _ = observability.CorrelationIDFromContext(ctx)
			return &domain.SendResult{Success: true, DeliveryID: "d-1", ProviderMessageID: "SM-1", Attempts: 1, SMSCount: 1}, nil
		},
	}
	app := newDeliveryTestApp(t, svc)

	body := `{"templateId":"appointment_reminder","templateData":{"doctorName":"Dr. Smith","date":"tomorrow","time":"2:00 PM"},"to":" +1234567890 ","priority":"high","metadata":{"appointmentId":"apt-1"}}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/sms", body, map[string]string{transport.HeaderCorrelationID: "corr-1"})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, respBody)
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["deliveryId"] != "d-1" || parsed["success"] != true {
		t.Fatalf("response = %v", parsed)
	}

	if got.TemplateID != "appointment_reminder" || got.To != "+1234567890" || got.Priority != domain.PriorityHigh {
		t.Fatalf("request = %+v", got)
	}
	if got.Metadata.Get(domain.MetaAppointmentID) != "apt-1" || got.TemplateData["doctorName"] != "Dr. Smith" {
		t.Fatalf("request data = %+v", got)
	}
	if gotCorrelation != "corr-1" {
		t.Fatalf("correlation id = %q, want corr-1", gotCorrelation)
	}
}

func TestDeliveryIntegration_SendSMSValidation(t *testing.T) {
	t.Parallel()

	svc := &stubDeliveryService{
		sendSMSFn: func(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
			t.Errorf("service must not be called for invalid requests: %+v", req)
			return nil, errors.New("unexpected call")
		},
	}
	app := newDeliveryTestApp(t, svc)

	testCases := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "malformed json", body: `{"to":`, wantCode: fiber.StatusBadRequest, wantErr: "invalid request body"},
		{name: "missing recipient", body: `{"message":"hello"}`, wantCode: fiber.StatusUnprocessableEntity, wantErr: "to is required"},
		{name: "no content", body: `{"to":"+1"}`, wantCode: fiber.StatusUnprocessableEntity, wantErr: "either templateId or message is required"},
		{name: "template and message", body: `{"to":"+1","templateId":"x","message":"y"}`, wantCode: fiber.StatusUnprocessableEntity, wantErr: "mutually exclusive"},
		{name: "bad priority", body: `{"to":"+1","message":"y","priority":"asap"}`, wantCode: fiber.StatusUnprocessableEntity, wantErr: "priority must be one of"},
		{name: "negative retries", body: `{"to":"+1","message":"y","maxRetries":-1}`, wantCode: fiber.StatusUnprocessableEntity, wantErr: "maxRetries"},
	}

	for _, tc := range testCases {
		resp, body := performRequest(t, app, http.MethodPost, "/v1/sms", tc.body, nil)
		if resp.StatusCode != tc.wantCode {
			t.Fatalf("%s: status = %d, want %d, body=%s", tc.name, resp.StatusCode, tc.wantCode, body)
		}
		if !strings.Contains(string(body), tc.wantErr) {
			t.Fatalf("%s: body = %s, want %q", tc.name, body, tc.wantErr)
		}
	}
}

func TestDeliveryIntegration_SendOutcomes(t *testing.T) {
	t.Parallel()

	retryAt := time.Date(2026, 5, 4, 9, 0, 1, 0, time.UTC)
	testCases := []struct {
		name     string
		result   *domain.SendResult
		err      error
		wantCode int
	}{
		{
			name:     "retry scheduled",
			result:   &domain.SendResult{DeliveryID: "d-1", Attempts: 1, RetryScheduled: true, NextRetryAt: &retryAt, Error: "timeout"},
			err:      fmt.Errorf("%w: timeout", domain.ErrRetryScheduled),
			wantCode: fiber.StatusAccepted,
		},
		{
			name:     "permanent provider failure",
			result:   &domain.SendResult{DeliveryID: "d-1", Attempts: 1, Error: "invalid number"},
			err:      &provider.ProviderError{Message: "invalid number"},
			wantCode: fiber.StatusBadGateway,
		},
		{
			name:     "retries exhausted",
			result:   &domain.SendResult{DeliveryID: "d-1", Attempts: 4, Error: "timeout"},
			err:      fmt.Errorf("%w: timeout", domain.ErrRetryExhausted),
			wantCode: fiber.StatusBadGateway,
		},
		{
			name:     "template rejected",
			result:   &domain.SendResult{Error: "template not found"},
			err:      fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrTemplateNotFound),
			wantCode: fiber.StatusUnprocessableEntity,
		},
		{
			name:     "no provider",
			result:   &domain.SendResult{DeliveryID: "d-1", Error: "no provider"},
			err:      fmt.Errorf("%w: email", provider.ErrNoProvider),
			wantCode: fiber.StatusServiceUnavailable,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &stubDeliveryService{
				sendFn: func(context.Context, domain.SendRequest) (*domain.SendResult, error) {
					return tc.result, tc.err
				},
			}
			app := newDeliveryTestApp(t, svc)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/messages", `{"channel":"email","message":"hi","to":"a@b.c"}`, nil)
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tc.wantCode, body)
			}
		})
	}
}

func TestDeliveryIntegration_SendMessageRejectsUnknownChannel(t *testing.T) {
	t.Parallel()

	app := newDeliveryTestApp(t, &stubDeliveryService{})
	resp, body := performRequest(t, app, http.MethodPost, "/v1/messages", `{"channel":"fax","message":"hi","to":"+1"}`, nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body=%s", resp.StatusCode, body)
	}
}

func TestDeliveryIntegration_BulkSMS(t *testing.T) {
	t.Parallel()

	var gotRecipients []string
	svc := &stubDeliveryService{
		bulkFn: func(_ context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult {
			gotRecipients = recipients
			return &domain.BulkResult{
				TotalRecipients: len(recipients),
				SuccessCount:    2,
				FailureCount:    1,
				SuccessRate:     66.67,
				TotalCost:       decimal.RequireFromString("0.015"),
				Results:         []domain.RecipientResult{},
			}
		},
	}
	app := newDeliveryTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/sms/bulk", `{"recipients":[" +A","+B","+C"],"message":"Store closes early today"}`, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	if len(gotRecipients) != 3 || gotRecipients[0] != "+A" {
		t.Fatalf("recipients = %v", gotRecipients)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["successRate"] != 66.67 || parsed["totalCost"] != "0.015" {
		t.Fatalf("response = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/sms/bulk", `{"recipients":[],"message":"hi"}`, nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for empty recipients", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodPost, "/v1/sms/bulk", `{"recipients":["+1",""],"message":"hi"}`, nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for blank recipient", resp.StatusCode)
	}
}

func TestDeliveryIntegration_Webhook(t *testing.T) {
	t.Parallel()

	var got domain.WebhookPayload
	svc := &stubDeliveryService{
		trackFn: func(_ context.Context, payload domain.WebhookPayload) *domain.TrackResult {
			got = payload
			switch payload.MessageID {
			case "SM-known":
				return &domain.TrackResult{Success: true, DeliveryID: "d-1", PreviousStatus: domain.StatusSent, NewStatus: domain.StatusDelivered}
			case "SM-terminal":
				return &domain.TrackResult{PreviousStatus: domain.StatusDelivered, Error: "delivery record is terminal"}
			default:
				return &domain.TrackResult{Error: service.TrackingNotFoundMessage}
			}
		},
	}
	app := newDeliveryTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/webhooks/gateway",
		`{"messageId":"SM-known","status":"delivered","timestamp":"2026-05-04T09:00:30Z","recipient":"+1"}`, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	if got.Provider != "gateway" || got.Timestamp.IsZero() || got.Recipient != "+1" {
		t.Fatalf("payload = %+v", got)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/webhooks/gateway", `{"messageId":"SM-unknown","status":"delivered","timestamp":"2026-05-04T09:00:30Z"}`, nil)
	if resp.StatusCode != fiber.StatusNotFound || !strings.Contains(string(body), service.TrackingNotFoundMessage) {
		t.Fatalf("status = %d body=%s, want 404 Tracking not found", resp.StatusCode, body)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/webhooks/gateway", `{"messageId":"SM-terminal","status":"failed","timestamp":"2026-05-04T09:00:30Z"}`, nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	got = domain.WebhookPayload{}
	resp, body = performRequest(t, app, http.MethodPost, "/v1/webhooks/gateway", `{"messageId":"SM-known","status":"delivered"}`, nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity || !strings.Contains(string(body), "timestamp is required") {
		t.Fatalf("status = %d body=%s, want 422 for missing timestamp", resp.StatusCode, body)
	}
	if got.MessageID != "" {
		t.Fatalf("payload without timestamp reached the service: %+v", got)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/webhooks/gateway", `{"messageId":"SM-known","status":"teleported","timestamp":"2026-05-04T09:00:30Z"}`, nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for unknown status", resp.StatusCode)
	}
}

func TestDeliveryIntegration_TwilioFormWebhook(t *testing.T) {
	t.Parallel()

	var got domain.WebhookPayload
	svc := &stubDeliveryService{
		trackFn: func(_ context.Context, payload domain.WebhookPayload) *domain.TrackResult {
			got = payload
			return &domain.TrackResult{Success: true, DeliveryID: "d-1", NewStatus: domain.StatusFailed}
		},
	}
	app := newDeliveryTestApp(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/twilio",
		strings.NewReader("MessageSid=SM123&MessageStatus=undelivered&To=%2B15551234567&ErrorCode=30003"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.MessageID != "SM123" || got.Status != "undelivered" || got.Recipient != "+15551234567" || got.ErrorCode != "30003" {
		t.Fatalf("payload = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("form callback without timestamp must be stamped with receipt time")
	}
}

func TestDeliveryIntegration_GetDelivery(t *testing.T) {
	t.Parallel()

	svc := &stubDeliveryService{
		getFn: func(_ context.Context, id string) (*domain.DeliveryRecord, error) {
			if id != "d-1" {
				return nil, nil
			}
			return &domain.DeliveryRecord{ID: "d-1", Channel: domain.ChannelSMS, Status: domain.StatusSent, Attempts: 1}, nil
		},
		attemptsFn: func(_ context.Context, id string) ([]domain.DeliveryAttempt, error) {
			return nil, nil
		},
	}
	app := newDeliveryTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/deliveries/d-1", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
	}
	var parsed map[string]any
	_ = json.Unmarshal(body, &parsed)
	if parsed["deliveryId"] != "d-1" || parsed["status"] != "sent" {
		t.Fatalf("response = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/deliveries/missing", "", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/deliveries/d-1/attempts", "", nil)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"attempts":[]`) {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
}

func TestDeliveryIntegration_CleanupStatsHealth(t *testing.T) {
	t.Parallel()

	var gotMaxAge time.Duration
	health := service.HealthStatus{Status: service.HealthUnhealthy}
	svc := &stubDeliveryService{
		cleanupFn: func(_ context.Context, maxAge time.Duration) (int, error) {
			gotMaxAge = maxAge
			return 4, nil
		},
		stats:  service.Stats{TotalRequests: 10, TotalSent: 9, SuccessRate: 90},
		health: &health,
	}
	app := newDeliveryTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/deliveries/cleanup?maxAgeMs=3600000", "", nil)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"removed":4`) {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if gotMaxAge != time.Hour {
		t.Fatalf("maxAge = %v, want 1h", gotMaxAge)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/deliveries/cleanup?maxAgeMs=-1", "", nil)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/stats", "", nil)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"successRate":90`) {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/health", "", nil)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when unhealthy", resp.StatusCode)
	}
	health.Status = service.HealthDegraded
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/health", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200 when degraded", resp.StatusCode)
	}
}

type acceptingProvider struct{}

func (acceptingProvider) ID() string              { return "sms-gateway" }
func (acceptingProvider) Channel() domain.Channel { return domain.ChannelSMS }
func (acceptingProvider) Dispatch(_ context.Context, recipient string, _ provider.Content) (*provider.DispatchResult, error) {
	return &provider.DispatchResult{ProviderMessageID: "SM-" + recipient, Cost: decimal.RequireFromString("0.0075")}, nil
}

func TestDeliveryIntegration_EndToEnd(t *testing.T) {
	t.Parallel()

	engine, err := templating.NewDefaultEngine(templating.Config{}, nil)
	if err != nil {
		t.Fatalf("NewDefaultEngine() error = %v", err)
	}
	manager := provider.NewManager(provider.ManagerConfig{}, nil, nil, nil)
	if err := manager.Register(acceptingProvider{}, 1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	svc, err := service.NewDeliveryService(service.DefaultConfig(), engine, manager,
		tracker.New(tracker.NewMemoryStore(), nil), nil, nil)
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	app := newDeliveryTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/sms",
		`{"templateId":"prescription_ready","templateData":{"pharmacyName":"Main St Pharmacy"},"to":"+15550001111"}`, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, body)
	}
	var sent domain.SendResult
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/webhooks/sms-gateway",
		`{"messageId":"SM-+15550001111","status":"DELIVRD","timestamp":"2026-05-04T09:00:30Z"}`, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("webhook status = %d, body=%s", resp.StatusCode, body)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/deliveries/"+sent.DeliveryID, "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	var record domain.DeliveryRecord
	if err := json.Unmarshal(body, &record); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if record.Status != domain.StatusDelivered || record.RenderedContent != "Your prescription is ready for pickup at Main St Pharmacy." {
		t.Fatalf("record = %+v", record)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/stats", "", nil)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"totalDelivered":1`) {
		t.Fatalf("stats status = %d body=%s", resp.StatusCode, body)
	}
}

func TestHealthIntegration(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app)

		resp, _ := performRequest(t, app, http.MethodGet, "/livez", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("readyz returns 200 when dependencies are up", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb), RabbitMQCheck(func() error { return nil }))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when a dependency is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"postgres":"down"`) || !strings.Contains(string(body), `"redis":"down"`) {
			t.Fatalf("body = %s", body)
		}
	})

	t.Run("metrics route serves prometheus text", func(t *testing.T) {
		t.Parallel()

		app := fiber.New()
		RegisterMetricsRoute(app, observability.NewMetrics())

		resp, body := performRequest(t, app, http.MethodGet, "/metrics", "", nil)
		if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), "# HELP") {
			t.Fatalf("status = %d body=%.200s", resp.StatusCode, body)
		}
	})
}

type stubDeliveryService struct {
	sendSMSFn  func(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
	sendFn     func(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
	bulkFn     func(ctx context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult
	trackFn    func(ctx context.Context, payload domain.WebhookPayload) *domain.TrackResult
	getFn      func(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	attemptsFn func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	cleanupFn  func(ctx context.Context, maxAge time.Duration) (int, error)
	stats      service.Stats
	health     *service.HealthStatus
}

func (s *stubDeliveryService) SendOptimizedSMS(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	if s.sendSMSFn != nil {
		return s.sendSMSFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubDeliveryService) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubDeliveryService) SendBulkOptimizedSMS(ctx context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult {
	if s.bulkFn != nil {
		return s.bulkFn(ctx, recipients, req)
	}
	return &domain.BulkResult{}
}

func (s *stubDeliveryService) TrackDeliveryStatus(ctx context.Context, payload domain.WebhookPayload) *domain.TrackResult {
	if s.trackFn != nil {
		return s.trackFn(ctx, payload)
	}
	return &domain.TrackResult{Error: service.TrackingNotFoundMessage}
}

func (s *stubDeliveryService) GetDeliveryStatus(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, nil
}

func (s *stubDeliveryService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

func (s *stubDeliveryService) GetDeliveryStats() service.Stats {
	return s.stats
}

func (s *stubDeliveryService) GetHealthStatus() service.HealthStatus {
	if s.health != nil {
		return *s.health
	}
	return service.HealthStatus{Status: service.HealthHealthy}
}

func (s *stubDeliveryService) CleanupOldDeliveries(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.cleanupFn != nil {
		return s.cleanupFn(ctx, maxAge)
	}
	return 0, nil
}

func newDeliveryTestApp(t *testing.T, svc DeliveryService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(transport.CorrelationID())

	if err := RegisterDeliveryRoutes(app, svc); err != nil {
		t.Fatalf("RegisterDeliveryRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") {
			if h.pingErr != nil {
				cmd.SetErr(h.pingErr)
				return h.pingErr
			}
			cmd.SetErr(nil)
			return nil
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
