package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/models"
	"github.com/sitewire/sitewire/store"

	"github.com/pkg/errors"
)

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Could not encode response", "error", err)
	}
}

func (s *Service) readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Could not read request body", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(bodyBytes, v); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Service) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if store.IsNotFound(err) {
		http.NotFound(w, r)
		return
	}
	s.logger.Error("Store operation failed", "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}

// -- PUBLISH --

func (s *Service) publishHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.PublishRequest
	if !s.readBody(w, r, &req) {
		return
	}

	payload, err := models.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pub.Publish(r.Context(), td.Tenant, req.User, req.Kind, payload); err != nil {
		if errors.Is(err, broker.ErrClosed) {
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("Publish failed", "kind", req.Kind, "tenant", td.Tenant, "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, http.StatusOK, models.OKResponse{Status: "ok"})
}

// -- STREAM TOKEN --

// An api key buys one short-lived stream token per call. The token is
// consumed by the first stream connection that presents it, so every
// reconnect comes back through here.
func (s *Service) streamTokenHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.Issue(td)
	if err != nil {
		s.logger.Error("Could not issue stream token", "tenant", td.Tenant, "user", td.User, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, models.StreamTokenResponse{
		Token:      token,
		TTLSeconds: int(s.tokens.TTL().Seconds()),
	})
}

// -- CHANNELS --

func (s *Service) channelsHandler(w http.ResponseWriter, r *http.Request) {

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		channels, err := s.st.Channels(td.Tenant)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		var req models.CreateChannelRequest
		if !s.readBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			http.Error(w, "Missing name", http.StatusBadRequest)
			return
		}
		ch, err := s.st.CreateChannel(td.Tenant, req.Name)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ch)
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Service) unreadHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rows, err := s.agg.UnreadRows(td.Tenant, td.User)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Service) markChannelReadHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.MarkChannelReadRequest
	if !s.readBody(w, r, &req) {
		return
	}
	if req.ChannelID == "" {
		http.Error(w, "Missing channelId", http.StatusBadRequest)
		return
	}

	if err := s.st.MarkChannelRead(td.Tenant, td.User, req.ChannelID, req.Seq); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.OKResponse{Status: "ok"})
}

// -- MESSAGES --

func (s *Service) messagesHandler(w http.ResponseWriter, r *http.Request) {

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		channelID := r.URL.Query().Get("channel")
		if channelID == "" {
			http.Error(w, "Missing channel parameter", http.StatusBadRequest)
			return
		}
		page, limit := pageParams(r)
		msgs, err := s.st.Messages(td.Tenant, channelID, page, limit)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		var req models.SendMessageRequest
		if !s.readBody(w, r, &req) {
			return
		}
		if req.ChannelID == "" || req.Body == "" {
			http.Error(w, "Missing channelId or body", http.StatusBadRequest)
			return
		}
		msg, err := s.st.AppendMessage(td.Tenant, req.ChannelID, td.User, req.Body)
		if err != nil {
			s.storeError(w, r, err)
			return
		}

		// The write is committed before the fan-out. A publish failure
		// leaves the message durable for the next baseline poll.
		pubErr := s.pub.PublishChatMessage(r.Context(), td.Tenant, models.ChatMessagePayload{
			ChannelID: msg.ChannelID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
			SentAt:    msg.SentAt,
		})
		if pubErr != nil {
			s.logger.Warn("Message committed but fan-out failed", "channel", msg.ChannelID, "error", pubErr)
		}

		s.writeJSON(w, http.StatusOK, msg)
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// -- NOTIFICATIONS --

func (s *Service) notificationsHandler(w http.ResponseWriter, r *http.Request) {

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		page, limit := pageParams(r)
		notifs, err := s.agg.NotificationState(td.Tenant, td.User, page, limit)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, notifs)
	case http.MethodPost:
		var req models.CreateNotificationRequest
		if !s.readBody(w, r, &req) {
			return
		}
		if req.User == "" || req.Title == "" {
			http.Error(w, "Missing user or title", http.StatusBadRequest)
			return
		}
		notif, err := s.st.CreateNotification(td.Tenant, req.User, req.Title, req.Body)
		if err != nil {
			s.storeError(w, r, err)
			return
		}

		pubErr := s.pub.PublishNotification(r.Context(), td.Tenant, notif.UserID, models.NotificationPayload{
			NotificationID: notif.ID,
			UserID:         notif.UserID,
			Title:          notif.Title,
			Body:           notif.Body,
			CreatedAt:      notif.CreatedAt,
		})
		if pubErr != nil {
			s.logger.Warn("Notification committed but fan-out failed", "user", notif.UserID, "error", pubErr)
		}

		s.writeJSON(w, http.StatusOK, notif)
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// Marking is idempotent: re-marking an already read notification
// succeeds without a second fan-out.
func (s *Service) markNotificationReadHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	td, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.MarkNotificationReadRequest
	if !s.readBody(w, r, &req) {
		return
	}
	if req.NotificationID == "" {
		http.Error(w, "Missing notificationId", http.StatusBadRequest)
		return
	}

	notif, err := s.st.Notification(td.Tenant, td.User, req.NotificationID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	if !notif.Read {
		if err := s.st.MarkNotificationRead(td.Tenant, td.User, req.NotificationID); err != nil {
			s.storeError(w, r, err)
			return
		}
		pubErr := s.pub.PublishNotificationRead(r.Context(), td.Tenant, td.User, models.NotificationReadPayload{
			NotificationID: req.NotificationID,
		})
		if pubErr != nil {
			s.logger.Warn("Read mark committed but fan-out failed", "notification", req.NotificationID, "error", pubErr)
		}
	}

	s.writeJSON(w, http.StatusOK, models.OKResponse{Status: "ok"})
}
