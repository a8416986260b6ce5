package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultHTTPTimeout = 10 * time.Second

type httpDispatchRequest struct {
	To       string            `json:"to"`
	Channel  string            `json:"channel"`
	Subject  string            `json:"subject,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type httpDispatchResponse struct {
	MessageID string          `json:"messageId"`
	Cost      json.RawMessage `json:"cost"`
}

// HTTPConfig describes a JSON-over-HTTP gateway.
type HTTPConfig struct {
	ID          string
	Channel     domain.Channel
	Endpoint    string
	AuthToken   string
	CostPerSend decimal.Decimal
	Timeout     time.Duration
}

// HTTPProvider posts deliveries to a generic JSON gateway.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *resty.Client
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	return NewHTTPProviderWithClient(cfg, resty.New())
}

func NewHTTPProviderWithClient(cfg HTTPConfig, client *resty.Client) (*HTTPProvider, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)

	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if !cfg.Channel.IsValid() {
		return nil, fmt.Errorf("provider %s has invalid channel %q", cfg.ID, cfg.Channel)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider %s endpoint is required", cfg.ID)
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint for provider %s: %w", cfg.ID, err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	} else if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	// Retries belong to the delivery service, not the transport.
	client.SetRetryCount(0)

	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	return &HTTPProvider{cfg: cfg, client: client}, nil
}

func (p *HTTPProvider) ID() string              { return p.cfg.ID }
func (p *HTTPProvider) Channel() domain.Channel { return p.cfg.Channel }

func (p *HTTPProvider) Dispatch(ctx context.Context, recipient string, content Content) (*DispatchResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	reqBody := httpDispatchRequest{
		To:       recipient,
		Channel:  p.cfg.Channel.String(),
		Subject:  content.Subject,
		Content:  content.Text,
		Metadata: content.Metadata,
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.cfg.Endpoint)
	if err != nil {
		return nil, &ProviderError{
			ProviderID: p.cfg.ID,
			Message:    "provider request failed",
			Retryable:  !errors.Is(err, context.Canceled),
			Cause:      err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			ProviderID: p.cfg.ID,
			Message:    "provider returned empty response",
			Retryable:  true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID, cost := parseDispatchResponse(response.Body())
		if messageID == "" {
			messageID = headerMessageID(response)
		}
		if cost == nil {
			cost = &p.cfg.CostPerSend
		}

		return &DispatchResult{
			ProviderID:        p.cfg.ID,
			ProviderMessageID: messageID,
			Cost:              *cost,
		}, nil
	}

	return nil, &ProviderError{
		ProviderID: p.cfg.ID,
		StatusCode: statusCode,
		Message:    httpErrorMessage(statusCode, responseBody),
		Retryable:  isRetryableHTTPStatus(statusCode),
	}
}

func isRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func httpErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

// parseDispatchResponse reads an optional JSON body. Gateways that answer with
// plain text simply leave both values empty.
func parseDispatchResponse(body []byte) (string, *decimal.Decimal) {
	var parsed httpDispatchResponse
	if len(body) == 0 || json.Unmarshal(body, &parsed) != nil {
		return "", nil
	}

	messageID := strings.TrimSpace(parsed.MessageID)
	raw := strings.Trim(strings.TrimSpace(string(parsed.Cost)), `"`)
	if raw == "" || raw == "null" {
		return messageID, nil
	}

	cost, err := decimal.NewFromString(raw)
	if err != nil {
		return messageID, nil
	}
	return messageID, &cost
}

func headerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
