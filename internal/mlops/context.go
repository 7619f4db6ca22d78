package mlops

import (
	"context"
	"errors"

	"github.com/deepliif/mlops/internal/config"
)

// contextKey is an unexported type for context keys to prevent collisions
type contextKey int

const (
	configKey contextKey = iota
	sessionKey
)

var (
	// ErrNoConfig is returned when the configuration is not found in context
	ErrNoConfig = errors.New("configuration not found in context")
	// ErrNoSession is returned when no session is found in context
	ErrNoSession = errors.New("session not found in context")
)

// WithConfig returns a new context carrying the loaded configuration
func WithConfig(parent context.Context, cfg *config.Config) context.Context {
	return context.WithValue(parent, configKey, cfg)
}

// Config returns the configuration from the context
func Config(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg, nil
}

// MustConfig returns the configuration or panics if not found
func MustConfig(ctx context.Context) *config.Config {
	cfg, err := Config(ctx)
	if err != nil {
		panic(err)
	}
	return cfg
}

// WithSession returns a new context carrying s
func WithSession(parent context.Context, s *Session) context.Context {
	return context.WithValue(parent, sessionKey, s)
}

// SessionFrom returns the session stored in the context. When there is
// none, a new one is built from the configuration in the context.
func SessionFrom(ctx context.Context) (*Session, error) {
	if s, ok := ctx.Value(sessionKey).(*Session); ok && s != nil {
		return s, nil
	}

	cfg, err := Config(ctx)
	if err != nil {
		return nil, errors.Join(ErrNoSession, err)
	}
	return NewSession(cfg)
}
