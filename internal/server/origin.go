package server

import (
	"log/slog"
	"net/http"

	"github.com/Tyrowin/privchat/internal/config"
)

// originPolicy decides which browser origins may open live connections.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginPolicy(cfg config.ServerConfig, logger *slog.Logger) *originPolicy {
	origins, allowAll, _ := config.NormalizeOrigins(cfg.AllowedOrigins)
	p := &originPolicy{
		allowAll: allowAll || cfg.AllowAllOrigins,
		allowed:  make(map[string]struct{}, len(origins)),
		logger:   logger,
	}
	for _, o := range origins {
		p.allowed[o] = struct{}{}
	}
	return p
}

func (p *originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalized, ok := config.NormalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalized]
	return exists
}

func (p *originPolicy) check(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}
	p.logger.Warn("blocked live connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
