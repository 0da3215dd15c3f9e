package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/austindbirch/harbor_mirror/internal/auth"
	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/ingest"
	"github.com/austindbirch/harbor_mirror/internal/logging"
)

// ServerDeps fills the ingest server's collaborators from the runtime.
// Auth, Health and Metrics are left for the caller.
func (r *Runtime) ServerDeps(s *Stores) ingest.Deps {
	return ingest.Deps{
		Intake:    r.Intake,
		Operator:  r.Operator,
		Scheduler: r.Scheduler,
		Mirror:    s.Mirror,
		Settings:  s.Settings,
		Tracker:   r.Tracker,
		Provider:  r.cfg.Provider,
		Retention: r.cfg.Retention.Window,
		Logger:    r.logger,
	}
}

// AuthMiddleware selects how admin requests are authenticated: a static
// public key, a key fetched from a JWKS endpoint, or the development header
// when auth is disabled. A nil middleware with a nil error means no key is
// configured and the admin API stays closed.
func AuthMiddleware(ctx context.Context, cfg config.Auth, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	switch {
	case cfg.Disabled:
		logger.Plain().Warn("admin auth disabled, trusting X-User-ID")
		return auth.DevMiddleware, nil
	case cfg.PublicKeyPEM != "":
		v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("jwt validator: %w", err)
		}
		return v.HTTPMiddleware, nil
	case cfg.JWKSURL != "":
		pub, err := auth.FetchJWKS(ctx, cfg.JWKSURL, cfg.KeyID)
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		logger.Plain().WithFields(map[string]any{"jwks_url": cfg.JWKSURL, "kid": cfg.KeyID}).Info("admin auth key loaded")
		return auth.NewJWTValidatorFromKey(pub, cfg.Issuer, cfg.Audience).HTTPMiddleware, nil
	default:
		logger.Plain().Warn("no JWT key configured, admin API disabled")
		return nil, nil
	}
}
