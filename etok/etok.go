// Package etok issues the short-lived bearer tokens that authenticate
// stream connections. The streaming transport cannot set headers, so the
// token rides in a query parameter; to keep that tolerable the tokens are
// single-use and expire quickly. A reconnecting client requests a fresh
// token for every attempt anyway, so single-use costs it nothing.
package etok

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/sitewire/sitewire/models"
)

const DefaultTTL = 2 * time.Minute

type Config struct {
	Logger *slog.Logger
	TTL    time.Duration
}

type Service struct {
	logger *slog.Logger
	ttl    time.Duration
	cache  *ttlcache.Cache[string, models.TokenData]
}

func New(cfg Config) *Service {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	cache := ttlcache.New[string, models.TokenData](
		ttlcache.WithTTL[string, models.TokenData](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, models.TokenData](),
	)
	go cache.Start()

	return &Service{
		logger: cfg.Logger.WithGroup("etok"),
		ttl:    cfg.TTL,
		cache:  cache,
	}
}

// Issue mints a token bound to the given identity. The caller must hand
// it to exactly one stream connect before it expires.
func (s *Service) Issue(td models.TokenData) (string, error) {
	if td.Tenant == "" || td.User == "" {
		return "", ErrIncompleteIdentity
	}

	token := uuid.NewString()
	s.cache.Set(token, td, s.ttl)
	s.logger.Debug("stream token issued", "tenant", td.Tenant, "user", td.User)
	return token, nil
}

// Verify resolves a token to its identity. The token is deleted on first
// use; replaying it fails even inside the TTL window.
func (s *Service) Verify(token string) (models.TokenData, bool) {
	item := s.cache.Get(token)
	if item == nil {
		return models.TokenData{}, false
	}

	s.cache.Delete(token)

	if item.IsExpired() {
		return models.TokenData{}, false
	}
	return item.Value(), true
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) Close() {
	s.cache.Stop()
}
