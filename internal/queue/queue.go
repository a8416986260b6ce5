package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
	Close() error
}

// StatusHandler handles a consumed delivery receipt.
type StatusHandler func(ctx context.Context, msg StatusMessage) error

// Consumer consumes delivery receipts from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler StatusHandler) error
	Close() error
}

const (
	// EventsQueue carries delivery lifecycle events to downstream subscribers.
	EventsQueue = "delivery.events"
	// StatusQueue carries provider delivery receipts into the engine.
	StatusQueue = "dlr.status"

	queueMaxPriority int32 = 4
)

// queueSpec describes one durable queue and its dead-letter twin.
type queueSpec struct {
	name        string
	maxPriority int32
	messageTTL  int64
}

var topology = []queueSpec{
	// Events are fan-out notifications; stale ones are dropped after a day.
	{name: EventsQueue, maxPriority: queueMaxPriority, messageTTL: 24 * 60 * 60 * 1000},
	{name: StatusQueue, maxPriority: queueMaxPriority},
}

func (s queueSpec) args() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": s.name,
	}
	if s.maxPriority > 0 {
		args["x-max-priority"] = s.maxPriority
	}
	if s.messageTTL > 0 {
		args["x-message-ttl"] = s.messageTTL
	}
	return args
}

// DLQName returns the dead-letter queue name for a queue, e.g. dlq.dlr.status.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// QueueNames returns every queue the topology declares.
func QueueNames() []string {
	queues := make([]string, 0, len(topology))
	for _, spec := range topology {
		queues = append(queues, spec.name)
	}
	return queues
}

// DLQNames returns the dead-letter queue of every declared queue.
func DLQNames() []string {
	queues := make([]string, 0, len(topology))
	for _, spec := range topology {
		queues = append(queues, DLQName(spec.name))
	}
	return queues
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityUrgent:
		return 4
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal, domain.PriorityMedium:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}
