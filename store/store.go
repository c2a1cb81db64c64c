// Package store is the durable entity store behind the unread/presence
// aggregator: channels, chat messages, notifications and per-user read
// state, all namespaced by tenant. The live-delivery path never touches
// it; it exists so baseline queries reflect committed state.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/sitewire/sitewire/models"
)

type Config struct {
	Logger    *slog.Logger
	Directory string
}

type Store struct {
	logger *slog.Logger
	db     *badger.DB
}

func Open(cfg Config) (*Store, error) {
	dir := filepath.Join(cfg.Directory, "entities")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	logger := cfg.Logger.WithGroup("store")
	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(logger)).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: pkgerrors.Wrap(err, "opening entity store")}
	}

	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("error closing entity store", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

// -- channels --

func (s *Store) CreateChannel(tenant, name string) (models.Channel, error) {
	ch := models.Channel{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.putJSON(channelKey(tenant, ch.ID), ch); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (s *Store) Channel(tenant, channelID string) (models.Channel, error) {
	var ch models.Channel
	if err := s.getJSON(channelKey(tenant, channelID), &ch); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (s *Store) Channels(tenant string) ([]models.Channel, error) {
	var channels []models.Channel
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := channelPrefix(tenant)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ch models.Channel
			if err := decodeItem(it.Item(), &ch); err != nil {
				return err
			}
			channels = append(channels, ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].CreatedAt.Before(channels[j].CreatedAt)
	})
	return channels, nil
}

// -- chat messages --

// AppendMessage writes the message and advances the channel head sequence
// in one transaction, so a head value never points past a missing record.
func (s *Store) AppendMessage(tenant, channelID, senderID, body string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(channelKey(tenant, channelID)); err != nil {
			if pkgerrors.Is(err, badger.ErrKeyNotFound) {
				return &ErrNotFound{Key: string(channelKey(tenant, channelID))}
			}
			return &ErrInternal{Err: err}
		}

		head, err := readSeq(txn, headKey(tenant, channelID))
		if err != nil {
			return err
		}
		seq := head + 1

		msg = models.ChatMessage{
			ID:        uuid.NewString(),
			Tenant:    tenant,
			ChannelID: channelID,
			SenderID:  senderID,
			Body:      body,
			Seq:       seq,
			SentAt:    time.Now().UTC(),
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set(messageKey(tenant, channelID, seq), raw); err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set(headKey(tenant, channelID), []byte(strconv.FormatUint(seq, 10))); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

func (s *Store) Messages(tenant, channelID string, page, limit int) (models.Page[models.ChatMessage], error) {
	page, limit = normalizePage(page, limit)
	out := models.Page[models.ChatMessage]{Data: []models.ChatMessage{}, Page: page, Limit: limit}

	err := s.db.View(func(txn *badger.Txn) error {
		head, err := readSeq(txn, headKey(tenant, channelID))
		if err != nil {
			return err
		}
		out.Total = int(head)

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := messagePrefix(tenant, channelID)
		skip := (page - 1) * limit
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skip > 0 {
				skip--
				continue
			}
			if len(out.Data) >= limit {
				break
			}
			var msg models.ChatMessage
			if err := decodeItem(it.Item(), &msg); err != nil {
				return err
			}
			out.Data = append(out.Data, msg)
		}
		return nil
	})
	if err != nil {
		return models.Page[models.ChatMessage]{}, err
	}
	return out, nil
}

// HeadSeq returns the channel's latest message sequence, zero when the
// channel has no messages.
func (s *Store) HeadSeq(tenant, channelID string) (uint64, error) {
	var head uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readSeq(txn, headKey(tenant, channelID))
		return err
	})
	return head, err
}

// -- read state --

func (s *Store) LastRead(tenant, userID, channelID string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		seq, err = readSeq(txn, lastReadKey(tenant, userID, channelID))
		return err
	})
	return seq, err
}

// MarkChannelRead advances the user's last-read watermark. The watermark
// only moves forward; marking an older sequence is a no-op, which makes
// repeated calls harmless.
func (s *Store) MarkChannelRead(tenant, userID, channelID string, seq uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := readSeq(txn, lastReadKey(tenant, userID, channelID))
		if err != nil {
			return err
		}
		if seq <= current {
			return nil
		}
		if err := txn.Set(lastReadKey(tenant, userID, channelID), []byte(strconv.FormatUint(seq, 10))); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// -- notifications --

func (s *Store) CreateNotification(tenant, userID, title, body string) (models.Notification, error) {
	n := models.Notification{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		UserID:    userID,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.putJSON(notificationKey(tenant, userID, n.ID), n); err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

func (s *Store) Notification(tenant, userID, notifID string) (models.Notification, error) {
	var n models.Notification
	if err := s.getJSON(notificationKey(tenant, userID, notifID), &n); err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

// Notifications lists a user's notifications newest-first.
func (s *Store) Notifications(tenant, userID string, page, limit int) (models.Page[models.Notification], error) {
	page, limit = normalizePage(page, limit)

	var all []models.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := notificationPrefix(tenant, userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n models.Notification
			if err := decodeItem(it.Item(), &n); err != nil {
				return err
			}
			all = append(all, n)
		}
		return nil
	})
	if err != nil {
		return models.Page[models.Notification]{}, err
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	out := models.Page[models.Notification]{Data: []models.Notification{}, Total: len(all), Page: page, Limit: limit}
	start := (page - 1) * limit
	for i := start; i < len(all) && len(out.Data) < limit; i++ {
		out.Data = append(out.Data, all[i])
	}
	return out, nil
}

// MarkNotificationRead flips the read flag. Idempotent per notification
// id; marking an already-read notification changes nothing.
func (s *Store) MarkNotificationRead(tenant, userID, notifID string) error {
	key := notificationKey(tenant, userID, notifID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if pkgerrors.Is(err, badger.ErrKeyNotFound) {
				return &ErrNotFound{Key: string(key)}
			}
			return &ErrInternal{Err: err}
		}

		var n models.Notification
		if err := decodeItem(item, &n); err != nil {
			return err
		}
		if n.Read {
			return nil
		}
		n.Read = true

		raw, err := json.Marshal(n)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set(key, raw); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// -- helpers --

func (s *Store) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, raw); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (s *Store) getJSON(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if pkgerrors.Is(err, badger.ErrKeyNotFound) {
				return &ErrNotFound{Key: string(key)}
			}
			return &ErrInternal{Err: err}
		}
		return decodeItem(item, v)
	})
}

func decodeItem(item *badger.Item, v any) error {
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return &ErrCorrupt{Key: string(item.Key()), Reason: err.Error()}
		}
		return nil
	})
}

// readSeq reads a uint64 counter key, treating a missing key as zero.
func readSeq(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if pkgerrors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, &ErrInternal{Err: err}
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseUint(string(val), 10, 64)
		if perr != nil {
			return &ErrCorrupt{Key: string(key), Reason: perr.Error()}
		}
		seq = parsed
		return nil
	})
	return seq, err
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return page, limit
}
