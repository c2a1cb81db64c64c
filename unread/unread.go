// Package unread computes the baseline counters the live client polls
// for: per-channel unread counts and notification read state. It is a
// pure read path over the entity store, independent of the push
// pipeline, and is the source of truth whenever the stream is down or
// has not produced a value yet.
package unread

import (
	"log/slog"

	"github.com/sitewire/sitewire/models"
	"github.com/sitewire/sitewire/store"
)

type Aggregator struct {
	logger *slog.Logger
	store  *store.Store
}

func New(logger *slog.Logger, st *store.Store) *Aggregator {
	return &Aggregator{
		logger: logger.WithGroup("unread"),
		store:  st,
	}
}

// Unread returns the unread message count for every channel of the
// tenant, for the given user: head sequence minus the user's last-read
// watermark. Safe to call at arbitrary frequency; every call reflects
// currently committed state.
func (a *Aggregator) Unread(tenant, userID string) (map[string]int, error) {
	channels, err := a.store.Channels(tenant)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(channels))
	for _, ch := range channels {
		head, err := a.store.HeadSeq(tenant, ch.ID)
		if err != nil {
			return nil, err
		}
		last, err := a.store.LastRead(tenant, userID, ch.ID)
		if err != nil {
			return nil, err
		}
		if last > head {
			// Watermark ahead of head can only come from a torn write;
			// clamp rather than report negative.
			a.logger.Warn("read watermark ahead of channel head",
				"tenant", tenant, "user", userID, "channel", ch.ID, "head", head, "last_read", last)
			last = head
		}
		counts[ch.ID] = int(head - last)
	}
	return counts, nil
}

// UnreadRows is Unread shaped for the paginated query envelope.
func (a *Aggregator) UnreadRows(tenant, userID string) ([]models.ChannelUnread, error) {
	counts, err := a.Unread(tenant, userID)
	if err != nil {
		return nil, err
	}
	channels, err := a.store.Channels(tenant)
	if err != nil {
		return nil, err
	}
	rows := make([]models.ChannelUnread, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, models.ChannelUnread{ChannelID: ch.ID, UnreadCount: counts[ch.ID]})
	}
	return rows, nil
}

// NotificationState returns the user's notifications newest-first with
// their read flags.
func (a *Aggregator) NotificationState(tenant, userID string, page, limit int) (models.Page[models.Notification], error) {
	return a.store.Notifications(tenant, userID, page, limit)
}
