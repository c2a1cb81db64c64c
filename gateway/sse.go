package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sitewire/sitewire/models"
)

// ServeSSE is the primary stream endpoint. Each broker message becomes
// exactly one named frame, `event: <kind>` / `data: <envelope JSON>`,
// in the order the broker delivered it; no batching, no coalescing. The
// server never closes the connection except on shutdown; a client that
// drops simply misses messages until its next baseline poll.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	td, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	if !g.acquireSlot() {
		g.logger.Warn("max connections reached, rejecting stream", "tenant", td.Tenant, "user", td.User)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer g.releaseSlot()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming unsupported by the underlying http.ResponseWriter")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	topics := models.TopicsFor(td)
	sub, err := g.broker.Subscribe(topics...)
	if err != nil {
		g.logger.Error("broker subscribe failed", "error", err, "tenant", td.Tenant, "user", td.User)
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	g.logger.Info("stream opened", "tenant", td.Tenant, "user", td.User, "topics", topics, "remote_addr", r.RemoteAddr)

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				g.logger.Info("broker closed, ending stream", "tenant", td.Tenant, "user", td.User)
				return
			}
			envelope, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal event for stream", "error", err, "event", ev.EventID)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, envelope); err != nil {
				g.logger.Info("stream write failed, closing", "error", err, "tenant", td.Tenant, "user", td.User)
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				g.logger.Info("heartbeat write failed, closing", "error", err, "tenant", td.Tenant, "user", td.User)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			g.logger.Info("client disconnected", "tenant", td.Tenant, "user", td.User)
			return

		case <-g.appCtx.Done():
			g.logger.Info("server shutting down, closing stream", "tenant", td.Tenant, "user", td.User)
			return
		}
	}
}
