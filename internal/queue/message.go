package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Message is a JSON body plus the AMQP properties set on publish.
type Message struct {
	ID            string
	CorrelationID string
	Type          string
	Priority      domain.Priority
	Body          any
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Body == nil {
		return fmt.Errorf("message body is required")
	}
	if m.Priority != "" && !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

// StatusMessage is a provider delivery receipt read from the status queue.
type StatusMessage struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}

func (m StatusMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if strings.TrimSpace(m.Status) == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// WebhookPayload converts the receipt into the shape the webhook path ingests.
func (m StatusMessage) WebhookPayload() domain.WebhookPayload {
	return domain.WebhookPayload{
		MessageID: m.MessageID,
		Status:    m.Status,
		Timestamp: m.Timestamp,
		Recipient: m.Recipient,
		ErrorCode: m.ErrorCode,
		Provider:  m.Provider,
	}
}
