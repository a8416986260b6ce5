package provider

import (
	"context"
	"fmt"
	"strings"

	twilio "github.com/carlosdp/twiliogo"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	ID          string
	AccountSID  string
	AuthToken   string
	FromPhone   string
	CostPerSend decimal.Decimal
}

type twilioSendFunc func(from, to, body string) (sid string, status string, err error)

// TwilioProvider sends SMS through the Twilio messages API.
type TwilioProvider struct {
	cfg  TwilioConfig
	send twilioSendFunc
}

var _ Provider = (*TwilioProvider)(nil)

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}

	client := twilio.NewClient(cfg.AccountSID, cfg.AuthToken)
	send := func(from, to, body string) (string, string, error) {
		message, err := twilio.NewMessage(client, from, to, twilio.Body(body))
		if err != nil {
			return "", "", err
		}
		return message.Sid, message.Status, nil
	}

	return newTwilioProvider(cfg, send)
}

func newTwilioProvider(cfg TwilioConfig, send twilioSendFunc) (*TwilioProvider, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = "twilio"
	}
	if strings.TrimSpace(cfg.FromPhone) == "" {
		return nil, fmt.Errorf("twilio from phone is required")
	}
	if send == nil {
		return nil, fmt.Errorf("twilio send function is required")
	}

	return &TwilioProvider{cfg: cfg, send: send}, nil
}

func (p *TwilioProvider) ID() string              { return p.cfg.ID }
func (p *TwilioProvider) Channel() domain.Channel { return domain.ChannelSMS }

func (p *TwilioProvider) Dispatch(ctx context.Context, recipient string, content Content) (*DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{ProviderID: p.cfg.ID, Message: "dispatch aborted", Retryable: false, Cause: err}
	}

	// The SDK has no context support, so cancellation is only honoured before the call.
	sid, status, err := p.send(p.cfg.FromPhone, recipient, content.Text)
	if err != nil {
		return nil, &ProviderError{
			ProviderID: p.cfg.ID,
			Message:    "twilio send failed",
			Retryable:  ClassifyMessage(err.Error()),
			Cause:      err,
		}
	}

	if parsed, parseErr := domain.ParseProviderStatus(status); parseErr == nil && parsed == domain.StatusFailed {
		return nil, &ProviderError{
			ProviderID: p.cfg.ID,
			Code:       strings.ToLower(status),
			Message:    "twilio rejected message",
		}
	}

	return &DispatchResult{
		ProviderID:        p.cfg.ID,
		ProviderMessageID: sid,
		Cost:              p.cfg.CostPerSend,
	}, nil
}
