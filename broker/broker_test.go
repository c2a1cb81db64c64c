package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sitewire/sitewire/models"
)

func testBroker(t *testing.T, bufSize int) *Broker {
	t.Helper()
	b := New(Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		BufferSize: bufSize,
	})
	t.Cleanup(b.Close)
	return b
}

func recvOne(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func TestPublishSubscribe(t *testing.T) {
	b := testBroker(t, 8)
	ctx := context.Background()

	sub, err := b.Subscribe(models.ChatTopic("7"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	ev := NewEvent(models.ChatTopic("7"), models.EventKindChatMessage, "svc", []byte(`{"channelId":"3"}`))
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := recvOne(t, sub)
	if got.EventID != ev.EventID || got.Topic != ev.Topic {
		t.Errorf("received %+v, want %+v", got, ev)
	}
}

func TestTenantIsolation(t *testing.T) {
	b := testBroker(t, 8)
	ctx := context.Background()

	subA, err := b.Subscribe(models.TopicsFor(models.TokenData{Tenant: "a", User: "u1"})...)
	if err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	defer subA.Unsubscribe()

	subB, err := b.Subscribe(models.TopicsFor(models.TokenData{Tenant: "b", User: "u1"})...)
	if err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}
	defer subB.Unsubscribe()

	pub := b.Publisher("test")
	if err := pub.PublishMaintenance(ctx, "a", models.MaintenancePayload{AccountID: "a", Mode: true}); err != nil {
		t.Fatalf("PublishMaintenance() error = %v", err)
	}

	got := recvOne(t, subA)
	if got.Kind != models.EventKindMaintenance {
		t.Errorf("tenant a received kind %q", got.Kind)
	}

	select {
	case ev := <-subB.C:
		t.Fatalf("tenant b must not receive tenant a's event, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSingleSubscriberFIFO(t *testing.T) {
	b := testBroker(t, 128)
	ctx := context.Background()

	sub, err := b.Subscribe(models.ChatTopic("t"), models.MaintenanceTopic("t"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	const n = 100
	for i := 0; i < n; i++ {
		topic := models.ChatTopic("t")
		if i%3 == 0 {
			topic = models.MaintenanceTopic("t")
		}
		ev := NewEvent(topic, "k", "svc", []byte(fmt.Sprintf(`{"i":%d}`, i)))
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		ev := recvOne(t, sub)
		var body struct {
			I int `json:"i"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			t.Fatalf("payload decode: %v", err)
		}
		if body.I != i {
			t.Fatalf("out of order: got %d at position %d", body.I, i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBroker(t, 8)
	ctx := context.Background()
	topic := models.ChatTopic("t")

	sub, err := b.Subscribe(topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := b.SubscriberCount(topic); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if got := b.SubscriberCount(topic); got != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", got)
	}

	if err := b.Publish(ctx, NewEvent(topic, "k", "svc", nil)); err != nil {
		t.Fatalf("Publish() after unsubscribe error = %v", err)
	}

	// Channel is closed on detach; a receive must not yield an event.
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("received event after unsubscribe: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := testBroker(t, 1)
	ctx := context.Background()
	topic := models.ChatTopic("t")

	sub, err := b.Subscribe(topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	first := NewEvent(topic, "k", "svc", []byte(`{"n":1}`))
	second := NewEvent(topic, "k", "svc", []byte(`{"n":2}`))
	if err := b.Publish(ctx, first); err != nil {
		t.Fatalf("Publish(first) error = %v", err)
	}
	// Buffer of one is full: this publish succeeds but the message drops.
	if err := b.Publish(ctx, second); err != nil {
		t.Fatalf("Publish(second) error = %v", err)
	}

	if got := recvOne(t, sub); got.EventID != first.EventID {
		t.Errorf("expected the first event to survive, got %s", got.EventID)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("second event should have been dropped, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	sub, err := b.Subscribe("x")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.C; ok {
		t.Error("subscription channel should be closed after broker close")
	}
	if err := b.Publish(context.Background(), NewEvent("x", "k", "svc", nil)); err != ErrClosed {
		t.Errorf("Publish() after close error = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("x"); err != ErrClosed {
		t.Errorf("Subscribe() after close error = %v, want ErrClosed", err)
	}
}

func TestPublisherValidation(t *testing.T) {
	b := testBroker(t, 8)
	pub := b.Publisher("svc")
	ctx := context.Background()

	if err := pub.Publish(ctx, "", "", models.EventKindMaintenance, models.MaintenancePayload{}); err != ErrEmptyTenant {
		t.Errorf("empty tenant error = %v, want ErrEmptyTenant", err)
	}
	if err := pub.Publish(ctx, "t", "", "bogus", nil); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := pub.Publish(ctx, "t", "", models.EventKindChatMessage, make(chan int)); err == nil {
		t.Error("expected error for unserializable payload")
	}
	if err := pub.PublishNotification(ctx, "t", "", models.NotificationPayload{NotificationID: "n"}); err == nil {
		t.Error("expected error for notification without target user")
	}
}
