package models

import "time"

// Channel is a chat channel scoped to a tenant.
type Channel struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage carries a per-channel sequence number. Unread counts are
// computed as the distance between a channel's head sequence and the
// user's last-read watermark.
type ChatMessage struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	ChannelID string    `json:"channelId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Seq       uint64    `json:"seq"`
	SentAt    time.Time `json:"sentAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelUnread is one row of a baseline unread query.
type ChannelUnread struct {
	ChannelID   string `json:"channelId"`
	UnreadCount int    `json:"unreadCount"`
}

// Page is the envelope every paginated query endpoint returns.
type Page[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}
