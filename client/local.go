package client

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/sitewire/sitewire/models"
)

// LocalStore mirrors the caller's unread and notification state. Two
// writers feed it: pushed events, which are fresh, and baseline polls,
// which are a snapshot taken some time ago. A key touched by a push is
// marked warm and stays push-owned for the life of the store; baselines
// only land on cold keys. This keeps a stale poll from reverting counts
// the stream has since advanced. The store lives and dies with its
// controller, so warm state never outlasts a session.
type LocalStore struct {
	mu     sync.Mutex
	logger *slog.Logger

	unread       map[string]int
	warmChannels map[string]struct{}

	notifs     map[string]models.Notification
	warmNotifs map[string]struct{}

	maintenance models.MaintenancePayload
}

func NewLocalStore(logger *slog.Logger) *LocalStore {
	return &LocalStore{
		logger:       logger.WithGroup("local_store"),
		unread:       make(map[string]int),
		warmChannels: make(map[string]struct{}),
		notifs:       make(map[string]models.Notification),
		warmNotifs:   make(map[string]struct{}),
	}
}

// -- PUSH PATH --

// ApplyChatMessage bumps the channel's unread count and warms the key.
func (s *LocalStore) ApplyChatMessage(pl models.ChatMessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[pl.ChannelID]++
	s.warmChannels[pl.ChannelID] = struct{}{}
}

func (s *LocalStore) ApplyNotification(pl models.NotificationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifs[pl.NotificationID] = models.Notification{
		ID:        pl.NotificationID,
		UserID:    pl.UserID,
		Title:     pl.Title,
		Body:      pl.Body,
		CreatedAt: pl.CreatedAt,
	}
	s.warmNotifs[pl.NotificationID] = struct{}{}
}

func (s *LocalStore) ApplyNotificationRead(pl models.NotificationReadPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifs[pl.NotificationID]
	if !ok {
		// Read marker for a notification we never saw; the next
		// baseline carries the full row.
		s.logger.Debug("read marker for unknown notification", "id", pl.NotificationID)
		return
	}
	n.Read = true
	s.notifs[pl.NotificationID] = n
	s.warmNotifs[pl.NotificationID] = struct{}{}
}

func (s *LocalStore) SetMaintenance(pl models.MaintenancePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = pl
}

// MarkChannelRead zeroes the channel locally before the server acks.
// The key is warmed so the next stale poll cannot resurrect the count.
func (s *LocalStore) MarkChannelRead(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[channelID] = 0
	s.warmChannels[channelID] = struct{}{}
}

// -- BASELINE PATH --

// SetBaselineUnread reconciles a poll snapshot into local state. Cold
// keys take the baseline value; warm keys keep the pushed value.
func (s *LocalStore) SetBaselineUnread(rows []models.ChannelUnread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		seen[row.ChannelID] = struct{}{}
		if _, warm := s.warmChannels[row.ChannelID]; warm {
			continue
		}
		s.unread[row.ChannelID] = row.UnreadCount
	}

	// Channels the server no longer reports are gone unless a push
	// created them after the snapshot was taken.
	for id := range s.unread {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, warm := s.warmChannels[id]; warm {
			continue
		}
		delete(s.unread, id)
	}
}

func (s *LocalStore) SetBaselineNotifications(page models.Page[models.Notification]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range page.Data {
		if _, warm := s.warmNotifs[n.ID]; warm {
			continue
		}
		s.notifs[n.ID] = n
	}
}

// -- READ PATH --

func (s *LocalStore) UnreadFor(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[channelID]
}

func (s *LocalStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.unread {
		total += n
	}
	return total
}

// Notifications returns the merged view, newest first.
func (s *LocalStore) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, 0, len(s.notifs))
	for _, n := range s.notifs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *LocalStore) UnreadNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifs {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *LocalStore) Maintenance() models.MaintenancePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenance
}
