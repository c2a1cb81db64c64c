package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sitewire/sitewire/models"
)

const (
	defaultTimeout = 10 * time.Second
)

var (
	ErrAuthExpired       = errors.New("credentials rejected")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// TransientError wraps a network-level failure. Callers retry these;
// everything else is a hard failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

type Config struct {
	BaseURL    string
	ApiKey     string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the API client for the sitewire service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport
	if cfg.SkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		apiKey: cfg.ApiKey,
		logger: cfg.Logger.WithGroup("sitewire_client"),
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, queryParams map[string]string, body any, target any) error {

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("Failed to marshal request body", "path", path, "method", method, "error", err)
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("HTTP request failed", "method", method, "url", reqURL.String(), "error", err)
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrAuthExpired
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusTooManyRequests:
			return ErrRateLimited
		case http.StatusServiceUnavailable:
			return ErrBrokerUnavailable
		default:
			return fmt.Errorf("server returned status %d for %s %s", resp.StatusCode, method, reqURL.String())
		}
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// StreamToken exchanges the api key for a single-use stream token.
func (c *Client) StreamToken(ctx context.Context) (models.StreamTokenResponse, error) {
	var rsp models.StreamTokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/stream/token", nil, nil, &rsp); err != nil {
		return models.StreamTokenResponse{}, err
	}
	return rsp, nil
}

func (c *Client) PublishEvent(ctx context.Context, kind, user string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/events", nil, models.PublishRequest{
		Kind:    kind,
		User:    user,
		Payload: raw,
	}, nil)
}

func (c *Client) Channels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/channels", nil, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (c *Client) CreateChannel(ctx context.Context, name string) (models.Channel, error) {
	var ch models.Channel
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/channels", nil, models.CreateChannelRequest{Name: name}, &ch)
	return ch, err
}

func (c *Client) Messages(ctx context.Context, channelID string, page, limit int) (models.Page[models.ChatMessage], error) {
	var out models.Page[models.ChatMessage]
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/messages", map[string]string{
		"channel": channelID,
		"page":    strconv.Itoa(page),
		"limit":   strconv.Itoa(limit),
	}, nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, channelID, body string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", nil, models.SendMessageRequest{
		ChannelID: channelID,
		Body:      body,
	}, &msg)
	return msg, err
}

func (c *Client) Unread(ctx context.Context) ([]models.ChannelUnread, error) {
	var rows []models.ChannelUnread
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/channels/unread", nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) MarkChannelRead(ctx context.Context, channelID string, seq uint64) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/channels/read", nil, models.MarkChannelReadRequest{
		ChannelID: channelID,
		Seq:       seq,
	}, nil)
}

func (c *Client) Notifications(ctx context.Context, page, limit int) (models.Page[models.Notification], error) {
	var out models.Page[models.Notification]
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/notifications", map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}, nil, &out)
	return out, err
}

func (c *Client) CreateNotification(ctx context.Context, user, title, body string) (models.Notification, error) {
	var notif models.Notification
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/notifications", nil, models.CreateNotificationRequest{
		User:  user,
		Title: title,
		Body:  body,
	}, &notif)
	return notif, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/notifications/read", nil, models.MarkNotificationReadRequest{
		NotificationID: notificationID,
	}, nil)
}
