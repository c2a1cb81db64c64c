package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/models"
)

// wsSession is one WebSocket subscriber. The session owns its broker
// subscription; the read pump notices the peer going away and the write
// pump relays events, so both pumps exiting means the subscription has
// been torn down.
type wsSession struct {
	conn    *websocket.Conn
	sub     *broker.Subscription
	gateway *Gateway
	td      models.TokenData
}

// ServeWS is the WebSocket variant of the stream endpoint, for consumers
// that can hold a socket open. It carries the full event envelope as
// JSON text messages, same ordering contract as the SSE surface.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	td, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	if !g.acquireSlot() {
		g.logger.Warn("max connections reached, rejecting websocket", "tenant", td.Tenant, "user", td.User)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	topics := models.TopicsFor(td)
	sub, err := g.broker.Subscribe(topics...)
	if err != nil {
		g.releaseSlot()
		g.logger.Error("broker subscribe failed", "error", err, "tenant", td.Tenant, "user", td.User)
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		g.releaseSlot()
		g.logger.Error("websocket upgrade failed", "error", err, "tenant", td.Tenant, "user", td.User)
		return
	}

	g.logger.Info("websocket opened", "tenant", td.Tenant, "user", td.User, "topics", topics, "remote_addr", conn.RemoteAddr().String())

	session := &wsSession{
		conn:    conn,
		sub:     sub,
		gateway: g,
		td:      td,
	}
	go session.writePump()
	go session.readPump()
}

// readPump drains inbound frames. Clients are not expected to send
// anything; the pump exists to detect the close and to answer pings.
func (s *wsSession) readPump() {
	defer func() {
		s.sub.Unsubscribe()
		s.conn.Close()
		s.gateway.releaseSlot()
		s.gateway.logger.Info("websocket closed",
			"tenant", s.td.Tenant, "user", s.td.User, "remote_addr", s.conn.RemoteAddr().String())
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.gateway.logger.Error("websocket read error",
					"error", err, "tenant", s.td.Tenant, "user", s.td.User)
			}
			return
		}
	}
}

// writePump relays broker events and keeps the connection alive with
// pings. One writer per connection, always this goroutine.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, open := <-s.sub.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			message, err := json.Marshal(ev)
			if err != nil {
				s.gateway.logger.Error("failed to marshal event for websocket",
					"error", err, "event", ev.EventID)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.gateway.logger.Info("websocket write failed, closing",
					"error", err, "tenant", s.td.Tenant, "user", s.td.User)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.gateway.appCtx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
