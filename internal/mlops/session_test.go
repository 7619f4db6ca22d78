package mlops

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/config"
	"github.com/deepliif/mlops/internal/cpd"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Platform.Token = "token"
	cfg.SpaceID = "space-1"
	return cfg
}

func TestConfigFromContext(t *testing.T) {
	_, err := Config(context.Background())
	assert.ErrorIs(t, err, ErrNoConfig)
	assert.Panics(t, func() { MustConfig(context.Background()) })

	cfg := testConfig(t)
	ctx := WithConfig(context.Background(), cfg)
	assert.Same(t, cfg, MustConfig(ctx))
}

func TestSessionFrom(t *testing.T) {
	_, err := SessionFrom(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	cfg := testConfig(t)
	s, err := SessionFrom(WithConfig(context.Background(), cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, s.Config())

	stored := &Session{cfg: cfg}
	got, err := SessionFrom(WithSession(context.Background(), stored))
	require.NoError(t, err)
	assert.Same(t, stored, got)
}

func TestNewSessionRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platform.Token = ""
	cfg.SpaceID = ""

	_, err := NewSession(cfg)
	assert.ErrorIs(t, err, config.ErrMissingToken)
	assert.ErrorIs(t, err, config.ErrMissingSpace)
}

func TestSessionClients(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewSession(cfg)
	require.NoError(t, err)

	token, err := s.Tokens().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token", token)
	assert.Equal(t, cfg.BaseURL(), s.API().BaseURL())
	assert.Same(t, s.API(), s.API())
	assert.Equal(t, "space-1", s.Assets().Scope().SpaceID)

	assert.Equal(t, "DeepLIIFData", s.Volume("").Name())
	assert.Equal(t, "Other", s.Volume("Other").Name())
	assert.Equal(t, config.DefaultDataMartID, s.OpenScale("").DataMartID())
	assert.Equal(t, "dm-2", s.OpenScale("dm-2").DataMartID())
	assert.Equal(t, "deployment_metadata.yml", s.Deployments().Name())
	assert.Equal(t, "monitor_metadata.yml", s.Monitors().Name())
	assert.Equal(t, "space-1", s.Functions().SpaceID())

	cfg.Training.ConsoleHost = "console.example.com"
	cfg.Training.RestPort = -1
	sub := s.Training(command.ExecRunner{}, io.Discard)
	assert.Equal(t, "console.example.com", sub.RestHost)
	assert.Equal(t, -1, sub.RestPort)
	assert.Equal(t, s.Tokens(), sub.Tokens)

	_, err = s.ObjectStore(context.Background())
	assert.Error(t, err)
}

func TestSessionUsesCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platform.Token = ""
	cfg.Platform.Username = "admin"
	cfg.Platform.APIKey = "key"

	s, err := NewSession(cfg)
	require.NoError(t, err)
	assert.IsType(t, &cpd.CredentialsTokenSource{}, s.Tokens())
}
