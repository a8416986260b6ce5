package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
)

func toHTTPError(err error) error {
	var providerErr *provider.ProviderError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTrackingNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrRecordTerminal):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrNoProvider):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.As(err, &providerErr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return err
	}
}

// sendStatus picks the response code for a send whose result body is always returned.
func sendStatus(err error) int {
	var providerErr *provider.ProviderError
	switch {
	case err == nil, errors.Is(err, domain.ErrRetryScheduled):
		return fiber.StatusAccepted
	case errors.Is(err, provider.ErrNoProvider):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRetryExhausted), errors.As(err, &providerErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
