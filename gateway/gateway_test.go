package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/etok"
	"github.com/sitewire/sitewire/models"
)

type fixture struct {
	broker  *broker.Broker
	tokens  *etok.Service
	gateway *Gateway
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := broker.New(broker.Config{Logger: logger})
	tokens := etok.New(etok.Config{Logger: logger, TTL: time.Minute})
	g := New(Config{
		Logger:    logger,
		Broker:    b,
		Tokens:    tokens,
		AppCtx:    context.Background(),
		Heartbeat: time.Hour, // keep heartbeats out of frame assertions
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", g.ServeSSE)
	mux.HandleFunc("/subscribe", g.ServeWS)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		tokens.Close()
		b.Close()
	})
	return &fixture{broker: b, tokens: tokens, gateway: g, server: srv}
}

func (f *fixture) openStream(t *testing.T, td models.TokenData) (*http.Response, *bufio.Reader) {
	t.Helper()
	token, err := f.tokens.Issue(td)
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/stream?token=" + token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	t.Cleanup(func() { resp.Body.Close() })
	r := bufio.NewReader(resp.Body)

	// Swallow the ": connected" preamble.
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return resp, r
}

// readFrame reads one named event frame from the stream.
func readFrame(t *testing.T, r *bufio.Reader) (name string, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		}
	}
}

func TestSSEDeliversNamedFrames(t *testing.T) {
	f := newFixture(t)
	td := models.TokenData{Tenant: "7", User: "u1", Roles: []string{"worker"}}
	_, r := f.openStream(t, td)

	pub := f.broker.Publisher("test")
	err := pub.PublishMaintenance(context.Background(), "7", models.MaintenancePayload{
		AccountID:    "7",
		Mode:         true,
		AllowedRoles: []string{"super_admin"},
	})
	require.NoError(t, err)

	name, data := readFrame(t, r)
	assert.Equal(t, models.EventKindMaintenance, name)

	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, models.EventKindMaintenance, ev.Kind)
	assert.Equal(t, models.MaintenanceTopic("7"), ev.Topic)
	assert.NotEmpty(t, ev.EventID)

	decoded, err := models.DecodePayload(ev.Kind, ev.Payload)
	require.NoError(t, err)
	pl := decoded.(models.MaintenancePayload)
	assert.Equal(t, "7", pl.AccountID)
	assert.True(t, pl.Mode)
	assert.Equal(t, []string{"super_admin"}, pl.AllowedRoles)
}

func TestSSEOrderingPreserved(t *testing.T) {
	f := newFixture(t)
	td := models.TokenData{Tenant: "7", User: "u1"}
	_, r := f.openStream(t, td)

	pub := f.broker.Publisher("test")
	const n = 25
	for i := 0; i < n; i++ {
		err := pub.PublishChatMessage(context.Background(), "7", models.ChatMessagePayload{
			ChannelID: "3",
			MessageID: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		name, data := readFrame(t, r)
		require.Equal(t, models.EventKindChatMessage, name)
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		var pl models.ChatMessagePayload
		require.NoError(t, json.Unmarshal(ev.Payload, &pl))
		require.Equal(t, fmt.Sprintf("m%d", i), pl.MessageID, "frame %d out of order", i)
	}
}

func TestSSETenantIsolation(t *testing.T) {
	f := newFixture(t)

	_, rA := f.openStream(t, models.TokenData{Tenant: "a", User: "u1"})
	_, rB := f.openStream(t, models.TokenData{Tenant: "b", User: "u1"})

	pub := f.broker.Publisher("test")
	require.NoError(t, pub.PublishChatMessage(context.Background(), "a", models.ChatMessagePayload{ChannelID: "1", MessageID: "for-a"}))
	require.NoError(t, pub.PublishChatMessage(context.Background(), "b", models.ChatMessagePayload{ChannelID: "1", MessageID: "for-b"}))

	// Tenant b's first frame must be its own message, never tenant a's.
	_, data := readFrame(t, rB)
	var ev models.Event
	var pl models.ChatMessagePayload
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	require.NoError(t, json.Unmarshal(ev.Payload, &pl))
	assert.Equal(t, "for-b", pl.MessageID)

	_, data = readFrame(t, rA)
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	require.NoError(t, json.Unmarshal(ev.Payload, &pl))
	assert.Equal(t, "for-a", pl.MessageID)
}

func TestSSERejectsBadToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/stream?token=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.Issue(models.TokenData{Tenant: "7", User: "u1"})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/stream?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replaying the same token on a second connection fails.
	resp2, err := http.Get(f.server.URL + "/stream?token=" + token)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestSSEUnsubscribesOnDisconnect(t *testing.T) {
	f := newFixture(t)
	td := models.TokenData{Tenant: "7", User: "u1"}
	resp, _ := f.openStream(t, td)

	topic := models.ChatTopic("7")
	require.Eventually(t, func() bool {
		return f.broker.SubscriberCount(topic) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.gateway.ActiveConnections())

	resp.Body.Close()

	require.Eventually(t, func() bool {
		return f.broker.SubscriberCount(topic) == 0 && f.gateway.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must release subscription and slot")
}

func TestMaxConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.Config{Logger: logger})
	tokens := etok.New(etok.Config{Logger: logger, TTL: time.Minute})
	g := New(Config{
		Logger:         logger,
		Broker:         b,
		Tokens:         tokens,
		MaxConnections: 1,
		Heartbeat:      time.Hour,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", g.ServeSSE)
	srv := httptest.NewServer(mux)
	defer func() { srv.Close(); tokens.Close(); b.Close() }()

	token1, err := tokens.Issue(models.TokenData{Tenant: "7", User: "u1"})
	require.NoError(t, err)
	resp1, err := http.Get(srv.URL + "/stream?token=" + token1)
	require.NoError(t, err)
	defer resp1.Body.Close()
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	require.Eventually(t, func() bool { return g.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	token2, err := tokens.Issue(models.TokenData{Tenant: "7", User: "u2"})
	require.NoError(t, err)
	resp2, err := http.Get(srv.URL + "/stream?token=" + token2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestWebSocketDeliversEnvelopes(t *testing.T) {
	f := newFixture(t)
	td := models.TokenData{Tenant: "7", User: "u1"}

	token, err := f.tokens.Issue(td)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/subscribe?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	topic := models.NotificationTopic("7", "u1")
	require.Eventually(t, func() bool {
		return f.broker.SubscriberCount(topic) == 1
	}, time.Second, 10*time.Millisecond)

	pub := f.broker.Publisher("test")
	require.NoError(t, pub.PublishNotification(context.Background(), "7", "u1", models.NotificationPayload{
		NotificationID: "n1",
		UserID:         "u1",
		Title:          "permit approved",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev models.Event
	require.NoError(t, json.Unmarshal(message, &ev))
	assert.Equal(t, models.EventKindNotification, ev.Kind)
	assert.Equal(t, topic, ev.Topic)

	pl, err := models.DecodePayload(ev.Kind, ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, "n1", pl.(models.NotificationPayload).NotificationID)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/subscribe?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}
