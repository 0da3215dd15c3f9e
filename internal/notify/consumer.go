package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

// KickHandler reacts to a kick. Returned errors are logged; kicks are never requeued.
type KickHandler func(ctx context.Context, k Kick) error

// NewKickConsumer subscribes to the kick topic. The caller connects it to
// nsqd or lookupd and stops it on shutdown.
func NewKickConsumer(topic, channel string, maxInFlight int, h KickHandler, logger *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	consumer, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(kickMessageHandler(h, logger))
	return consumer, nil
}

func kickMessageHandler(h KickHandler, logger *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var k Kick
		if err := json.Unmarshal(m.Body, &k); err != nil {
			logger.Plain().WithError(err).Warn("bad kick payload")
			return nil
		}
		ctx := tracing.ExtractTraceFromNSQ(context.Background(), k.TraceHeaders)
		if err := h(ctx, k); err != nil {
			logger.WithContext(ctx).WithDelivery(k.DeliveryID).WithError(err).Warn("kick handler failed")
		}
		return nil
	})
}
