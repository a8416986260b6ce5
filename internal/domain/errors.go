package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	ErrTemplateNotFound     = errors.New("template not found")
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrTrackingNotFound is an expected outcome for late or unknown webhooks.
	ErrTrackingNotFound = errors.New("tracking not found")

	ErrRetryScheduled = errors.New("delivery failed, retry scheduled")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrRecordTerminal = errors.New("delivery record is terminal")
)
