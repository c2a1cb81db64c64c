// Package broker is the in-process publish/subscribe fan-out at the heart
// of live delivery. One logical broker serves the whole process; gateway
// connections subscribe per-topic and receive every message published
// while they are attached, in publish order, with no replay.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitewire/sitewire/models"
)

const defaultBufferSize = 256

var (
	ErrClosed       = errors.New("broker is closed")
	ErrEmptyTopic   = errors.New("topic cannot be empty")
	ErrNoSubscriber = errors.New("subscription has no topics")
)

type Broker struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

type Config struct {
	Logger *slog.Logger
	// BufferSize is the per-subscription channel depth. When a consumer
	// falls this far behind, further messages for it are dropped and
	// logged; the periodic baseline poll is the documented recovery path.
	BufferSize int
}

func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Broker{
		logger:  cfg.Logger.WithGroup("broker"),
		bufSize: cfg.BufferSize,
		topics:  make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one consumer's attachment to a set of topics. All
// topics feed the single C channel, preserving arrival order across the
// whole set. Unsubscribe is idempotent and safe from any goroutine.
type Subscription struct {
	C <-chan models.Event

	id     string
	topics []string
	send   chan models.Event
	broker *Broker
	once   sync.Once
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.detach(s)
	})
}

// Subscribe attaches a new consumer to every listed topic. The returned
// subscription must be unsubscribed when the consumer goes away; a
// dangling subscription keeps receiving (and eventually dropping)
// messages forever.
func (b *Broker) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoSubscriber
	}
	for _, topic := range topics {
		if topic == "" {
			return nil, ErrEmptyTopic
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	send := make(chan models.Event, b.bufSize)
	sub := &Subscription{
		C:      send,
		id:     uuid.NewString(),
		topics: topics,
		send:   send,
		broker: b,
	}
	for _, topic := range topics {
		if _, ok := b.topics[topic]; !ok {
			b.topics[topic] = make(map[*Subscription]struct{})
		}
		b.topics[topic][sub] = struct{}{}
	}

	b.logger.Debug("subscriber attached", "id", sub.id, "topics", topics)
	return sub, nil
}

func (b *Broker) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range sub.topics {
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}
	close(sub.send)
	b.logger.Debug("subscriber detached", "id", sub.id)
}

// Publish fans a fully formed event out to every subscription currently
// attached to its topic. It returns once every subscriber has either
// been handed the event or been skipped for a full buffer; there is no
// delivery confirmation beyond that.
func (b *Broker) Publish(ctx context.Context, ev models.Event) error {
	if ev.Topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	subs, ok := b.topics[ev.Topic]
	if !ok || len(subs) == 0 {
		b.logger.Debug("no subscribers for topic", "topic", ev.Topic)
		return nil
	}

	for sub := range subs {
		select {
		case sub.send <- ev:
		default:
			b.logger.Warn("subscriber buffer full, message dropped",
				"topic", ev.Topic, "subscriber", sub.id, "event", ev.EventID)
		}
	}
	return nil
}

// SubscriberCount reports how many subscriptions a topic currently has.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close detaches every subscription and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var all []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, subs := range b.topics {
		for sub := range subs {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				all = append(all, sub)
			}
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.send) })
	}
	b.logger.Info("broker closed", "subscribers_dropped", len(all))
}

// NewEvent stamps an envelope for publishing.
func NewEvent(topic, kind, emitter string, payload []byte) models.Event {
	return models.Event{
		EventID:   uuid.NewString(),
		Kind:      kind,
		Topic:     topic,
		EmittedAt: time.Now().UTC(),
		Emitter:   emitter,
		Payload:   payload,
	}
}
