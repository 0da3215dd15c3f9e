// Package notify wakes queue processors after an enqueue and carries dead
// letter envelopes out to NSQ. Both are fire-and-forget: the durable queue
// table is the source of truth and processors also poll.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/ids"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

// Kick is the NSQ message body asking a processor to drain the queue.
type Kick struct {
	ID           string            `json:"id"`
	DeliveryID   string            `json:"delivery_id"`
	At           time.Time         `json:"at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Notifier signals that new work is available.
type Notifier interface {
	Kick(ctx context.Context, deliveryID string) error
}

// DeadLetterPublisher ships dead letter envelopes to external consumers.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// publisher is the subset of *nsq.Producer used here.
type publisher interface {
	Publish(topic string, body []byte) error
}

// NSQ publishes kicks and dead letters to nsqd.
type NSQ struct {
	producer  publisher
	kickTopic string
	dlqTopic  string
}

// NewNSQ connects a producer to nsqd. Call Stop when done.
func NewNSQ(nsqdAddr, kickTopic, dlqTopic string) (*NSQ, *nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQ{producer: p, kickTopic: kickTopic, dlqTopic: dlqTopic}, p, nil
}

func newNSQWithPublisher(p publisher, kickTopic, dlqTopic string) *NSQ {
	return &NSQ{producer: p, kickTopic: kickTopic, dlqTopic: dlqTopic}
}

func (n *NSQ) Kick(ctx context.Context, deliveryID string) error {
	k := Kick{
		ID:           ids.NewUUID(),
		DeliveryID:   deliveryID,
		At:           time.Now().UTC(),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(k)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(n.kickTopic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.kickTopic, err)
	}
	return nil
}

func (n *NSQ) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(n.dlqTopic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.dlqTopic, err)
	}
	return nil
}

// Noop drops every signal; used when NSQ is disabled and processors poll.
type Noop struct{}

func (Noop) Kick(context.Context, string) error                            { return nil }
func (Noop) PublishDeadLetter(context.Context, delivery.DeadLetter) error { return nil }

// Chan delivers kicks in-process, dropping them when the buffer is full.
type Chan struct {
	C chan Kick
}

func NewChan(size int) *Chan {
	return &Chan{C: make(chan Kick, size)}
}

func (c *Chan) Kick(ctx context.Context, deliveryID string) error {
	select {
	case c.C <- Kick{ID: ids.NewUUID(), DeliveryID: deliveryID, At: time.Now().UTC(), TraceHeaders: tracing.PropagateTraceToNSQ(ctx)}:
	default:
	}
	return nil
}
