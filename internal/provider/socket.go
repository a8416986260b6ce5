package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const socketChannelPrefix = "socket:user:"

type socketMessage struct {
	MessageID string            `json:"messageId"`
	Subject   string            `json:"subject,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    time.Time         `json:"sentAt"`
}

// SocketProvider publishes in-app messages on a per-user Redis channel that
// the socket gateway fans out to connected clients.
type SocketProvider struct {
	id     string
	client goredis.UniversalClient
	now    func() time.Time
}

var _ Provider = (*SocketProvider)(nil)

func NewSocketProvider(id string, client goredis.UniversalClient) (*SocketProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = "socket"
	}
	return &SocketProvider{id: id, client: client, now: time.Now}, nil
}

func (p *SocketProvider) ID() string              { return p.id }
func (p *SocketProvider) Channel() domain.Channel { return domain.ChannelSocket }

func SocketChannel(userID string) string {
	return socketChannelPrefix + strings.TrimSpace(userID)
}

func (p *SocketProvider) Dispatch(ctx context.Context, recipient string, content Content) (*DispatchResult, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, &ProviderError{ProviderID: p.id, Message: "recipient user id is required"}
	}

	msg := socketMessage{
		MessageID: uuid.NewString(),
		Subject:   content.Subject,
		Content:   content.Text,
		Metadata:  content.Metadata,
		SentAt:    p.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, &ProviderError{ProviderID: p.id, Message: "failed to encode socket message", Cause: err}
	}

	// Zero receivers is accepted: offline users pick messages up from the gateway backlog.
	if err := p.client.Publish(ctx, SocketChannel(recipient), payload).Err(); err != nil {
		return nil, &ProviderError{
			ProviderID: p.id,
			Message:    "failed to publish socket message",
			Retryable:  !errors.Is(err, context.Canceled),
			Cause:      err,
		}
	}

	return &DispatchResult{
		ProviderID:        p.id,
		ProviderMessageID: msg.MessageID,
		Cost:              decimal.Zero,
	}, nil
}
