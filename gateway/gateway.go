// Package gateway owns the long-lived push connections. Each connection
// belongs to one (tenant, user), authenticates once at connect with a
// single-use stream token carried in a query parameter, subscribes to
// the topic set derived from that identity, and relays every broker
// message to the wire in arrival order. Connections are pure in-memory
// fan-out targets; nothing about them is persisted.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/etok"
	"github.com/sitewire/sitewire/models"
)

const (
	defaultHeartbeat = 25 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type Config struct {
	Logger *slog.Logger
	Broker *broker.Broker
	Tokens *etok.Service
	// AppCtx ends every open connection on server shutdown.
	AppCtx          context.Context
	Heartbeat       time.Duration
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
}

type Gateway struct {
	logger    *slog.Logger
	broker    *broker.Broker
	tokens    *etok.Service
	appCtx    context.Context
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	connLock sync.Mutex
	active   int
	maxConns int
}

func New(cfg Config) *Gateway {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.AppCtx == nil {
		cfg.AppCtx = context.Background()
	}
	return &Gateway{
		logger:    cfg.Logger.WithGroup("gateway"),
		broker:    cfg.Broker,
		tokens:    cfg.Tokens,
		appCtx:    cfg.AppCtx,
		heartbeat: cfg.Heartbeat,
		maxConns:  cfg.MaxConnections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
	}
}

// authenticate resolves the single-use stream token from the query
// string. The topic set for the connection comes from the token's
// identity, never from client input.
func (g *Gateway) authenticate(r *http.Request) (models.TokenData, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return models.TokenData{}, false
	}
	return g.tokens.Verify(token)
}

func (g *Gateway) acquireSlot() bool {
	g.connLock.Lock()
	defer g.connLock.Unlock()
	if g.maxConns > 0 && g.active >= g.maxConns {
		return false
	}
	g.active++
	return true
}

func (g *Gateway) releaseSlot() {
	g.connLock.Lock()
	defer g.connLock.Unlock()
	if g.active > 0 {
		g.active--
	} else {
		g.logger.Warn("attempted to release connection slot below zero")
	}
}

// ActiveConnections reports the number of open push connections.
func (g *Gateway) ActiveConnections() int {
	g.connLock.Lock()
	defer g.connLock.Unlock()
	return g.active
}
