package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/sitewire/sitewire/models"
)

var ErrEmptyTenant = errors.New("tenant cannot be empty")

// Publisher serializes typed payloads onto tenant-scoped topics. It is
// fire-and-forget: a returned error means the broker never accepted the
// message, and the caller's own business write must already be committed
// by the time it publishes, so failure only costs liveness, not state.
type Publisher struct {
	broker  *Broker
	emitter string
	logger  *slog.Logger
}

func (b *Broker) Publisher(emitter string) *Publisher {
	return &Publisher{
		broker:  b,
		emitter: emitter,
		logger:  b.logger.WithGroup("publisher").With("emitter", emitter),
	}
}

// Publish derives the topic from (kind, tenant) and hands the serialized
// envelope to the broker. Per-user kinds take the target user id; the
// others ignore it.
func (p *Publisher) Publish(ctx context.Context, tenant, user, kind string, payload any) error {
	if tenant == "" {
		return ErrEmptyTenant
	}

	topic, err := models.TopicForKind(kind, tenant, user)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "payload for kind %q is not serializable", kind)
	}

	ev := NewEvent(topic, kind, p.emitter, raw)
	if err := p.broker.Publish(ctx, ev); err != nil {
		return errors.Wrapf(err, "publish to topic %q", topic)
	}

	p.logger.Debug("event published", "topic", topic, "kind", kind, "event", ev.EventID)
	return nil
}

func (p *Publisher) PublishMaintenance(ctx context.Context, tenant string, pl models.MaintenancePayload) error {
	return p.Publish(ctx, tenant, "", models.EventKindMaintenance, pl)
}

func (p *Publisher) PublishChatMessage(ctx context.Context, tenant string, pl models.ChatMessagePayload) error {
	return p.Publish(ctx, tenant, "", models.EventKindChatMessage, pl)
}

func (p *Publisher) PublishNotification(ctx context.Context, tenant, user string, pl models.NotificationPayload) error {
	return p.Publish(ctx, tenant, user, models.EventKindNotification, pl)
}

func (p *Publisher) PublishNotificationRead(ctx context.Context, tenant, user string, pl models.NotificationReadPayload) error {
	return p.Publish(ctx, tenant, user, models.EventKindNotificationRead, pl)
}
