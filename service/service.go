package service

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/sitewire/sitewire/broker"
	"github.com/sitewire/sitewire/config"
	"github.com/sitewire/sitewire/etok"
	"github.com/sitewire/sitewire/gateway"
	"github.com/sitewire/sitewire/models"
	"github.com/sitewire/sitewire/store"
	"github.com/sitewire/sitewire/unread"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Service is the HTTP surface. It owns the mux and the per-address
// rate limiters; the broker, token service, store and gateway are
// constructed by the caller and handed in so tests can swap them.
type Service struct {
	appCtx context.Context
	cfg    *config.Config
	logger *slog.Logger

	broker *broker.Broker
	pub    *broker.Publisher
	tokens *etok.Service
	st     *store.Store
	agg    *unread.Aggregator
	gw     *gateway.Gateway

	mux          *http.ServeMux
	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	apiKeys      map[string]models.TokenData
}

type Dependencies struct {
	Broker  *broker.Broker
	Tokens  *etok.Service
	Store   *store.Store
	Unread  *unread.Aggregator
	Gateway *gateway.Gateway
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Config, deps Dependencies) *Service {

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rlConfig := cfg.RateLimiters.Events; rlConfig.Limit > 0 {
		rateLimiters["events"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'events'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Stream; rlConfig.Limit > 0 {
		rateLimiters["stream"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'stream'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Query; rlConfig.Limit > 0 {
		rateLimiters["query"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'query'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Default; rlConfig.Limit > 0 {
		rateLimiters["default"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'default'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	apiKeys := make(map[string]models.TokenData, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		apiKeys[k.Key] = models.TokenData{
			Tenant: k.Tenant,
			User:   k.User,
			Roles:  k.Roles,
		}
	}

	return &Service{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		broker:       deps.Broker,
		pub:          deps.Broker.Publisher("service"),
		tokens:       deps.Tokens,
		st:           deps.Store,
		agg:          deps.Unread,
		gw:           deps.Gateway,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		apiKeys:      apiKeys,
	}
}

// Handler builds the route table. Exposed separately from Run so tests
// can mount the service on an httptest server.
func (s *Service) Handler() http.Handler {

	// Publish surface
	s.mux.Handle("/api/v1/events", s.rateLimitMiddleware(http.HandlerFunc(s.publishHandler), "events"))

	// Stream surface
	s.mux.Handle("/api/v1/stream/token", s.rateLimitMiddleware(http.HandlerFunc(s.streamTokenHandler), "stream"))
	s.mux.Handle("/api/v1/stream", s.rateLimitMiddleware(http.HandlerFunc(s.gw.ServeSSE), "stream"))
	s.mux.Handle("/api/v1/events/subscribe", s.rateLimitMiddleware(http.HandlerFunc(s.gw.ServeWS), "stream"))

	// Channel and message surface
	s.mux.Handle("/api/v1/channels", s.rateLimitMiddleware(http.HandlerFunc(s.channelsHandler), "query"))
	s.mux.Handle("/api/v1/channels/unread", s.rateLimitMiddleware(http.HandlerFunc(s.unreadHandler), "query"))
	s.mux.Handle("/api/v1/channels/read", s.rateLimitMiddleware(http.HandlerFunc(s.markChannelReadHandler), "query"))
	s.mux.Handle("/api/v1/messages", s.rateLimitMiddleware(http.HandlerFunc(s.messagesHandler), "query"))

	// Notification surface
	s.mux.Handle("/api/v1/notifications", s.rateLimitMiddleware(http.HandlerFunc(s.notificationsHandler), "query"))
	s.mux.Handle("/api/v1/notifications/read", s.rateLimitMiddleware(http.HandlerFunc(s.markNotificationReadHandler), "query"))

	return s.mux
}

// Run blocks until the application context is cancelled.
func (s *Service) Run() {

	handler := s.Handler()

	s.logger.Info("Attempting to start server",
		"listen_addr", s.cfg.HttpBinding,
		"tls_enabled", (s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""),
	)

	srv := &http.Server{
		Addr:    s.cfg.HttpBinding,
		Handler: handler,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}

	for _, limiter := range s.rateLimiters {
		limiter.Stop()
	}

	s.logger.Info("Server stopped")
}
