package provider

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	ID          string
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	CostPerSend decimal.Decimal
}

type smtpSendFunc func(message *gomail.Message) error

var smtpReplyCode = regexp.MustCompile(`\b([45][0-9]{2})\b`)

// SMTPProvider sends email through an SMTP relay.
type SMTPProvider struct {
	cfg  SMTPConfig
	send smtpSendFunc
}

var _ Provider = (*SMTPProvider)(nil)

func NewSMTPProvider(cfg SMTPConfig) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}

	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return newSMTPProvider(cfg, func(m *gomail.Message) error { return dialer.DialAndSend(m) })
}

func newSMTPProvider(cfg SMTPConfig, send smtpSendFunc) (*SMTPProvider, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = "smtp"
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if send == nil {
		return nil, fmt.Errorf("smtp send function is required")
	}

	return &SMTPProvider{cfg: cfg, send: send}, nil
}

func (p *SMTPProvider) ID() string              { return p.cfg.ID }
func (p *SMTPProvider) Channel() domain.Channel { return domain.ChannelEmail }

func (p *SMTPProvider) Dispatch(ctx context.Context, recipient string, content Content) (*DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{ProviderID: p.cfg.ID, Message: "dispatch aborted", Cause: err}
	}

	messageID := fmt.Sprintf("<%s@delivery-engine>", uuid.NewString())

	m := gomail.NewMessage()
	m.SetHeader("From", p.cfg.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", content.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", content.Text)

	if err := p.send(m); err != nil {
		code, retryable := classifySMTPError(err)
		return nil, &ProviderError{
			ProviderID: p.cfg.ID,
			Code:       code,
			Message:    "smtp send failed",
			Retryable:  retryable,
			Cause:      err,
		}
	}

	return &DispatchResult{
		ProviderID:        p.cfg.ID,
		ProviderMessageID: messageID,
		Cost:              p.cfg.CostPerSend,
	}, nil
}

// classifySMTPError treats 4xx replies as transient and 5xx as permanent.
// gomail flattens server replies into text, so the reply code is recovered from the message.
func classifySMTPError(err error) (string, bool) {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return strconv.Itoa(protoErr.Code), protoErr.Code >= 400 && protoErr.Code < 500
	}

	if match := smtpReplyCode.FindStringSubmatch(err.Error()); len(match) == 2 {
		return match[1], strings.HasPrefix(match[1], "4")
	}

	return "", IsRetryable(err) || ClassifyMessage(err.Error())
}
