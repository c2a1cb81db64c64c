package service

import (
	"net/http"
	"strings"

	"github.com/sitewire/sitewire/models"
)

// ValidateToken resolves the Authorization header to the identity
// bound to the key in config. A missing or unknown key fails closed.
func (s *Service) ValidateToken(r *http.Request) (models.TokenData, bool) {

	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "

	token := authHeader
	if strings.HasPrefix(authHeader, bearerPrefix) {
		token = strings.TrimPrefix(authHeader, bearerPrefix)
	}

	if token == "" {
		return models.TokenData{}, false
	}

	td, ok := s.apiKeys[token]
	if !ok {
		s.logger.Warn("Unknown api key presented", "remote_addr", r.RemoteAddr)
		return models.TokenData{}, false
	}
	return td, true
}
