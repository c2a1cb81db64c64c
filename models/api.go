package models

import "encoding/json"

// Request/response bodies for the HTTP surface.

type PublishRequest struct {
	Kind    string          `json:"kind"`
	User    string          `json:"user,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type StreamTokenResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type CreateChannelRequest struct {
	Name string `json:"name"`
}

type SendMessageRequest struct {
	ChannelID string `json:"channelId"`
	Body      string `json:"body"`
}

type MarkChannelReadRequest struct {
	ChannelID string `json:"channelId"`
	Seq       uint64 `json:"seq"`
}

type CreateNotificationRequest struct {
	User  string `json:"user"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type MarkNotificationReadRequest struct {
	NotificationID string `json:"notificationId"`
}

type OKResponse struct {
	Status string `json:"status"`
}
