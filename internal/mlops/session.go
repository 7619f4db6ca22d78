package mlops

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/config"
	"github.com/deepliif/mlops/internal/cpd"
	"github.com/deepliif/mlops/internal/dlim"
	"github.com/deepliif/mlops/internal/functions"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/objectstore"
	"github.com/deepliif/mlops/internal/openscale"
	"github.com/deepliif/mlops/internal/training"
	"github.com/deepliif/mlops/internal/volume"
)

// Session hands out the platform clients of one configuration. Clients
// are built on first use and shared afterwards.
type Session struct {
	cfg *config.Config

	once   sync.Once
	api    *cpd.Client
	tokens cpd.TokenSource
	assets *assets.Client
}

// NewSession checks that the configuration can reach the workspace and
// returns a session for it.
func NewSession(cfg *config.Config) (*Session, error) {
	if err := cfg.RequireSession(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

func (s *Session) Config() *config.Config {
	return s.cfg
}

func (s *Session) init() {
	s.once.Do(func() {
		opts := []cpd.Option{
			cpd.WithHTTPClient(cpd.NewHTTPClient(s.cfg.Platform.InsecureSkipVerify, s.cfg.Platform.Timeout)),
			cpd.WithRetry(s.cfg.Retry.Attempts, s.cfg.Retry.Delay),
		}

		if s.cfg.Platform.Token != "" {
			s.tokens = cpd.StaticToken(s.cfg.Platform.Token)
		} else {
			log.Debug("authenticating with api key", "username", s.cfg.Platform.Username)
			s.tokens = cpd.NewCredentialsTokenSource(cpd.NewClient(s.cfg.BaseURL(), opts...), cpd.Credentials{
				Username: s.cfg.Platform.Username,
				APIKey:   s.cfg.Platform.APIKey,
			})
		}

		s.api = cpd.NewClient(s.cfg.BaseURL(), append(opts, cpd.WithTokenSource(s.tokens))...)
		s.assets = assets.NewClient(s.api, assets.Scope{SpaceID: s.cfg.SpaceID})
	})
}

// API returns the authenticated platform client.
func (s *Session) API() *cpd.Client {
	s.init()
	return s.api
}

// Tokens returns the source of access tokens.
func (s *Session) Tokens() cpd.TokenSource {
	s.init()
	return s.tokens
}

// Assets returns the asset client of the deployment space.
func (s *Session) Assets() *assets.Client {
	s.init()
	return s.assets
}

// Deployments returns the deployment metadata store.
func (s *Session) Deployments() *metadata.Store[metadata.Deployment] {
	return metadata.NewDeploymentStore(metadata.NewAssetBackend(s.Assets()))
}

// Monitors returns the monitor metadata store.
func (s *Session) Monitors() *metadata.Store[metadata.Monitor] {
	return metadata.NewMonitorStore(metadata.NewAssetBackend(s.Assets()))
}

// Volume returns the storage volume with a display name. An empty name
// selects the configured volume.
func (s *Session) Volume(displayName string) *volume.Client {
	if displayName == "" {
		displayName = s.cfg.Volume.DisplayName
	}
	return volume.NewClient(s.API(), displayName)
}

// OpenScale returns the monitoring client of a data mart. An empty id
// selects the configured data mart.
func (s *Session) OpenScale(dataMartID string) *openscale.Client {
	if dataMartID == "" {
		dataMartID = s.cfg.OpenScale.DataMartID
	}
	return openscale.NewClient(s.API(), dataMartID)
}

// DLIM locates the deployment CLI and returns a wrapper streaming its
// output to out.
func (s *Session) DLIM(out io.Writer) (*dlim.CLI, error) {
	path, err := dlim.Locate(s.cfg.WMLA.DlimPath, s.cfg.WMLA.SearchPaths)
	if err != nil {
		return nil, err
	}
	log.Debug("using deployment CLI", "path", path)

	return dlim.New(path, s.cfg.RestServer(), s.Tokens(),
		dlim.WithOutput(out),
		dlim.WithIdleWait(s.cfg.WMLA.IdleAttempts, s.cfg.WMLA.IdleDelay),
	), nil
}

// Functions returns the deployable function client of the space.
func (s *Session) Functions() *functions.Client {
	return functions.NewClient(s.API(), s.cfg.SpaceID)
}

// Training returns a submitter of training jobs streaming to out.
func (s *Session) Training(runner command.Runner, out io.Writer) *training.Submitter {
	tc := s.cfg.Training
	return &training.Submitter{
		Runner:   runner,
		Tokens:   s.Tokens(),
		Python:   tc.Python,
		CLI:      tc.CLI,
		RestHost: s.cfg.ConsoleHost(),
		RestPort: tc.RestPort,
		Output:   out,
	}
}

// ObjectStore returns the S3 client of the object store settings.
func (s *Session) ObjectStore(ctx context.Context) (*objectstore.Client, error) {
	return objectstore.NewClient(ctx, s.cfg.ObjectStore)
}
