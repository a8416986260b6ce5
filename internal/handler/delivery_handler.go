package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type DeliveryService interface {
	SendOptimizedSMS(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
	Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
	SendBulkOptimizedSMS(ctx context.Context, recipients []string, req domain.SendRequest) *domain.BulkResult
	TrackDeliveryStatus(ctx context.Context, payload domain.WebhookPayload) *domain.TrackResult
	GetDeliveryStatus(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	GetDeliveryStats() service.Stats
	GetHealthStatus() service.HealthStatus
	CleanupOldDeliveries(ctx context.Context, maxAge time.Duration) (int, error)
}

type DeliveryHandler struct {
	service DeliveryService
}

func NewDeliveryHandler(service DeliveryService) (*DeliveryHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &DeliveryHandler{service: service}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, service DeliveryService) error {
	h, err := NewDeliveryHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/sms", h.SendSMS)
	v1.Post("/sms/bulk", h.SendBulkSMS)
	v1.Post("/messages", h.SendMessage)
	v1.Post("/webhooks/:provider", h.TrackStatus)
	v1.Get("/deliveries/:id", h.GetDelivery)
	v1.Get("/deliveries/:id/attempts", h.GetAttempts)
	v1.Post("/deliveries/cleanup", h.Cleanup)
	v1.Get("/stats", h.GetStats)
	v1.Get("/health", h.GetHealth)

	return nil
}

func (h *DeliveryHandler) SendSMS(c *fiber.Ctx) error {
	var req smsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return toHTTPError(err)
	}

	sendReq, err := req.toDomain()
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.SendOptimizedSMS(c.UserContext(), sendReq)
	return respondSend(c, result, err)
}

func (h *DeliveryHandler) SendMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return toHTTPError(err)
	}

	sendReq, err := req.toDomain()
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.Send(c.UserContext(), sendReq)
	return respondSend(c, result, err)
}

func (h *DeliveryHandler) SendBulkSMS(c *fiber.Ctx) error {
	var req bulkSMSRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return toHTTPError(err)
	}

	sendReq, err := req.contentRequest.toDomain()
	if err != nil {
		return toHTTPError(err)
	}

	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, strings.TrimSpace(r))
	}

	bulk := h.service.SendBulkOptimizedSMS(c.UserContext(), recipients, sendReq)
	return c.Status(fiber.StatusOK).JSON(bulk)
}

func (h *DeliveryHandler) TrackStatus(c *fiber.Ctx) error {
	var req webhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	payload := req.toDomain(strings.TrimSpace(c.Params("provider")))
	if err := payload.Validate(); err != nil {
		return toHTTPError(err)
	}
	if payload.Timestamp.IsZero() {
		// Twilio status callbacks carry no event time.
		if !req.isTwilioForm() {
			return toHTTPError(fmt.Errorf("%w: timestamp is required", domain.ErrValidation))
		}
		payload.Timestamp = time.Now().UTC()
	}
	if _, err := domain.ParseProviderStatus(payload.Status); err != nil {
		return toHTTPError(err)
	}

	result := h.service.TrackDeliveryStatus(c.UserContext(), payload)
	switch {
	case result.Success:
		return c.Status(fiber.StatusOK).JSON(result)
	case result.Error == service.TrackingNotFoundMessage:
		return c.Status(fiber.StatusNotFound).JSON(result)
	case result.PreviousStatus != "":
		return c.Status(fiber.StatusConflict).JSON(result)
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(result)
	}
}

func (h *DeliveryHandler) GetDelivery(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.service.GetDeliveryStatus(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	if record == nil {
		return toHTTPError(fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id))
	}

	return c.Status(fiber.StatusOK).JSON(record)
}

func (h *DeliveryHandler) GetAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.service.GetDeliveryStatus(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	if record == nil {
		return toHTTPError(fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id))
	}

	attempts, err := h.service.Attempts(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}
	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"deliveryId": id,
		"attempts":   attempts,
	})
}

func (h *DeliveryHandler) Cleanup(c *fiber.Ctx) error {
	maxAgeMs := c.QueryInt("maxAgeMs", 0)
	if maxAgeMs < 0 {
		return toHTTPError(fmt.Errorf("%w: maxAgeMs must be >= 0", domain.ErrValidation))
	}
	maxAge := time.Duration(maxAgeMs) * time.Millisecond

	removed, err := h.service.CleanupOldDeliveries(c.UserContext(), maxAge)
	if err != nil {
		return toHTTPError(err)
	}

	if maxAge == 0 {
		maxAge = service.DefaultCleanupMaxAge
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"removed":  removed,
		"maxAgeMs": maxAge.Milliseconds(),
	})
}

func (h *DeliveryHandler) GetStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.service.GetDeliveryStats())
}

func (h *DeliveryHandler) GetHealth(c *fiber.Ctx) error {
	health := h.service.GetHealthStatus()

	code := fiber.StatusOK
	if health.Status == service.HealthUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(health)
}

func respondSend(c *fiber.Ctx, result *domain.SendResult, err error) error {
	if err != nil && errors.Is(err, domain.ErrValidation) {
		return toHTTPError(err)
	}
	if result == nil {
		if err == nil {
			err = errors.New("delivery service returned no result")
		}
		return toHTTPError(err)
	}

	return c.Status(sendStatus(err)).JSON(result)
}
