package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried over the broker. Payload shape is fixed per kind
// and decoded into the matching variant by DecodePayload.
const (
	EventKindMaintenance      = "maintenance"
	EventKindChatMessage      = "chat_message"
	EventKindNotification     = "notification"
	EventKindNotificationRead = "notification_read"
)

// Event is the envelope every broker message travels in. Payload is the
// raw JSON of one of the *Payload variants below.
type Event struct {
	EventID   string          `json:"eventId"`
	Kind      string          `json:"kind"`
	Topic     string          `json:"topic"`
	EmittedAt time.Time       `json:"emittedAt"`
	Emitter   string          `json:"emitter"`
	Payload   json.RawMessage `json:"payload"`
}

type MaintenancePayload struct {
	AccountID    string   `json:"accountId"`
	Mode         bool     `json:"mode"`
	AllowedRoles []string `json:"allowedRoles"`
}

type ChatMessagePayload struct {
	ChannelID string    `json:"channelId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}

type NotificationPayload struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// ErrBadPayload is returned when a payload fails to decode or is missing
// a field the kind requires. Receivers drop the event and log it; a bad
// payload must never take down a connection.
type ErrBadPayload struct {
	Kind   string
	Reason string
}

func (e *ErrBadPayload) Error() string {
	return fmt.Sprintf("bad %q payload: %s", e.Kind, e.Reason)
}

// DecodePayload decodes raw payload bytes into the variant for the given
// kind. Unknown kinds and malformed payloads return *ErrBadPayload.
func DecodePayload(kind string, raw []byte) (any, error) {
	switch kind {
	case EventKindMaintenance:
		var p MaintenancePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrBadPayload{Kind: kind, Reason: err.Error()}
		}
		if p.AccountID == "" {
			return nil, &ErrBadPayload{Kind: kind, Reason: "missing accountId"}
		}
		return p, nil
	case EventKindChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrBadPayload{Kind: kind, Reason: err.Error()}
		}
		if p.ChannelID == "" {
			return nil, &ErrBadPayload{Kind: kind, Reason: "missing channelId"}
		}
		return p, nil
	case EventKindNotification:
		var p NotificationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrBadPayload{Kind: kind, Reason: err.Error()}
		}
		if p.NotificationID == "" {
			return nil, &ErrBadPayload{Kind: kind, Reason: "missing notificationId"}
		}
		return p, nil
	case EventKindNotificationRead:
		var p NotificationReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ErrBadPayload{Kind: kind, Reason: err.Error()}
		}
		if p.NotificationID == "" {
			return nil, &ErrBadPayload{Kind: kind, Reason: "missing notificationId"}
		}
		return p, nil
	default:
		return nil, &ErrBadPayload{Kind: kind, Reason: "unknown event kind"}
	}
}
