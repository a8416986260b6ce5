package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// contentRequest carries what to send. Exactly one of TemplateID or Message is set.
type contentRequest struct {
	TemplateID     string            `json:"templateId" validate:"required_without=Message,excluded_with=Message"`
	TemplateData   map[string]any    `json:"templateData"`
	Locale         string            `json:"locale" validate:"omitempty,max=16"`
	Role           string            `json:"role" validate:"omitempty,max=32"`
	Message        string            `json:"message" validate:"required_without=TemplateID"`
	UserID         string            `json:"userId"`
	NotificationID string            `json:"notificationId"`
	Priority       string            `json:"priority" validate:"omitempty,oneof=low normal medium high urgent"`
	Metadata       map[string]string `json:"metadata" validate:"omitempty,dive,keys,required,max=64,endkeys"`
	MaxRetries     *int              `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

type smsRequest struct {
	contentRequest
	To string `json:"to" validate:"required"`
}

type messageRequest struct {
	contentRequest
	To      string `json:"to" validate:"required"`
	Channel string `json:"channel" validate:"omitempty,oneof=sms email socket"`
	Subject string `json:"subject" validate:"omitempty,max=255"`
}

type bulkSMSRequest struct {
	contentRequest
	Recipients []string `json:"recipients" validate:"required,min=1,max=1000,dive,required"`
}

// webhookRequest accepts JSON callbacks and Twilio-style form callbacks.
type webhookRequest struct {
	MessageID     string     `json:"messageId" form:"messageId"`
	Status        string     `json:"status" form:"status"`
	Timestamp     *time.Time `json:"timestamp"`
	Recipient     string     `json:"recipient" form:"recipient"`
	ErrorCode     string     `json:"errorCode" form:"errorCode"`
	MessageSid    string     `json:"-" form:"MessageSid"`
	MessageStatus string     `json:"-" form:"MessageStatus"`
	To            string     `json:"-" form:"To"`
	TwilioError   string     `json:"-" form:"ErrorCode"`
}

func (r contentRequest) toDomain() (domain.SendRequest, error) {
	priority, err := domain.ParsePriorityFromString(r.Priority)
	if err != nil {
		return domain.SendRequest{}, err
	}

	var metadata domain.Metadata
	if len(r.Metadata) > 0 {
		metadata = make(domain.Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[strings.TrimSpace(k)] = v
		}
	}

	return domain.SendRequest{
		TemplateID:     strings.TrimSpace(r.TemplateID),
		TemplateData:   r.TemplateData,
		Locale:         strings.TrimSpace(r.Locale),
		Role:           strings.TrimSpace(r.Role),
		Message:        r.Message,
		UserID:         strings.TrimSpace(r.UserID),
		NotificationID: strings.TrimSpace(r.NotificationID),
		Priority:       priority,
		Metadata:       metadata,
		MaxRetries:     r.MaxRetries,
	}, nil
}

func (r smsRequest) toDomain() (domain.SendRequest, error) {
	req, err := r.contentRequest.toDomain()
	if err != nil {
		return domain.SendRequest{}, err
	}
	req.To = strings.TrimSpace(r.To)
	return req, nil
}

func (r messageRequest) toDomain() (domain.SendRequest, error) {
	req, err := r.contentRequest.toDomain()
	if err != nil {
		return domain.SendRequest{}, err
	}
	if raw := strings.TrimSpace(r.Channel); raw != "" {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return domain.SendRequest{}, err
		}
		req.Channel = channel
	}
	req.To = strings.TrimSpace(r.To)
	req.Subject = strings.TrimSpace(r.Subject)
	return req, nil
}

func (r webhookRequest) isTwilioForm() bool {
	return strings.TrimSpace(r.MessageSid) != "" && strings.TrimSpace(r.MessageID) == ""
}

func (r webhookRequest) toDomain(provider string) domain.WebhookPayload {
	payload := domain.WebhookPayload{
		MessageID: firstNonEmpty(r.MessageID, r.MessageSid),
		Status:    firstNonEmpty(r.Status, r.MessageStatus),
		Recipient: firstNonEmpty(r.Recipient, r.To),
		ErrorCode: firstNonEmpty(r.ErrorCode, r.TwilioError),
		Provider:  provider,
	}
	if r.Timestamp != nil {
		payload.Timestamp = r.Timestamp.UTC()
	}
	return payload
}

// validateRequest runs struct validation and reports it as a domain validation error.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(messages, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := jsonFieldName(fe.StructField())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("either %s or %s is required", field, jsonFieldName(fe.Param()))
	case "excluded_with":
		return fmt.Sprintf("%s and %s are mutually exclusive", field, jsonFieldName(fe.Param()))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s violates %s=%s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

func jsonFieldName(name string) string {
	if name == "" {
		return name
	}
	if strings.HasSuffix(name, "ID") {
		return strings.ToLower(name[:1]) + name[1:len(name)-2] + "Id"
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
