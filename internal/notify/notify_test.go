package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/logging"
)

type fakePublisher struct {
	topics []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestNSQKick(t *testing.T) {
	fp := &fakePublisher{}
	n := newNSQWithPublisher(fp, "queue_kick", "dead_letters")

	if err := n.Kick(context.Background(), "abc123"); err != nil {
		t.Fatalf("Kick() error: %v", err)
	}
	if len(fp.topics) != 1 || fp.topics[0] != "queue_kick" {
		t.Fatalf("published to %v, want [queue_kick]", fp.topics)
	}
	var k Kick
	if err := json.Unmarshal(fp.bodies[0], &k); err != nil {
		t.Fatalf("unmarshal kick: %v", err)
	}
	if k.DeliveryID != "abc123" {
		t.Errorf("DeliveryID = %q", k.DeliveryID)
	}
	if k.ID == "" || k.At.IsZero() {
		t.Errorf("kick missing id or time: %+v", k)
	}
}

func TestNSQKickError(t *testing.T) {
	fp := &fakePublisher{err: errors.New("nsqd down")}
	n := newNSQWithPublisher(fp, "queue_kick", "dead_letters")
	if err := n.Kick(context.Background(), "x"); err == nil {
		t.Error("expected publish error")
	}
}

func TestNSQPublishDeadLetter(t *testing.T) {
	fp := &fakePublisher{}
	n := newNSQWithPublisher(fp, "queue_kick", "dead_letters")
	dl := delivery.NewDeadLetter(delivery.Item{DeliveryID: "d1", Event: "issues"}, "permanent", time.Now())

	if err := n.PublishDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("PublishDeadLetter() error: %v", err)
	}
	if fp.topics[0] != "dead_letters" {
		t.Errorf("topic = %q", fp.topics[0])
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(fp.bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.DeliveryID != "d1" || got.Reason != "permanent" {
		t.Errorf("envelope = %+v", got)
	}
}

func TestChanDropsWhenFull(t *testing.T) {
	c := NewChan(1)
	_ = c.Kick(context.Background(), "a")
	_ = c.Kick(context.Background(), "b")

	if len(c.C) != 1 {
		t.Fatalf("buffered = %d, want 1", len(c.C))
	}
	if k := <-c.C; k.DeliveryID != "a" {
		t.Errorf("first kick = %q, want a", k.DeliveryID)
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	if err := n.Kick(context.Background(), "a"); err != nil {
		t.Error(err)
	}
	if err := n.PublishDeadLetter(context.Background(), delivery.DeadLetter{}); err != nil {
		t.Error(err)
	}
}

func TestKickMessageHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("test", &buf)

	var got []string
	h := kickMessageHandler(func(_ context.Context, k Kick) error {
		got = append(got, k.DeliveryID)
		if k.DeliveryID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, logger)

	body, _ := json.Marshal(Kick{DeliveryID: "ok"})
	if err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{}, body)); err != nil {
		t.Errorf("HandleMessage() = %v, want nil", err)
	}
	body, _ = json.Marshal(Kick{DeliveryID: "bad"})
	if err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{}, body)); err != nil {
		t.Errorf("handler errors must not requeue, got %v", err)
	}
	if err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("{not json"))); err != nil {
		t.Errorf("bad payload must be dropped, got %v", err)
	}

	if len(got) != 2 || got[0] != "ok" || got[1] != "bad" {
		t.Errorf("handled = %v", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("bad kick payload")) {
		t.Errorf("expected bad payload log, got %s", buf.String())
	}
}
