package cli

import (
	"cmp"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/config"
	"github.com/deepliif/mlops/internal/kernel"
	"github.com/deepliif/mlops/internal/mlops"
	"github.com/deepliif/mlops/internal/objectstore"
	"github.com/deepliif/mlops/internal/provider"
	"github.com/deepliif/mlops/internal/server"
)

const (
	sinkVolume = "volume"
	sinkS3     = "s3"
)

func NewKernelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Run the inference kernel",
	}

	var listen string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Prepare the model and serve inference requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := mlops.MustConfig(ctx)
			opts, err := kernelOptions(cfg)
			if err != nil {
				return err
			}
			if cfg.Kernel.ResultSink == sinkS3 {
				store, err := objectstore.NewClient(ctx, cfg.ObjectStore)
				if err != nil {
					return err
				}
				opts.Sink = store
			}

			k := kernel.New(opts)
			if err := k.Start(ctx); err != nil {
				return err
			}
			return server.Run(ctx, cmp.Or(listen, cfg.Kernel.Listen), k.Router())
		},
	}
	serve.Flags().StringVar(&listen, "listen", "", "Address to listen on (default from config)")

	cmd.AddCommand(serve)
	return cmd
}

// kernelOptions maps the kernel settings onto kernel options. Without
// workspace credentials the kernel runs on local files only.
func kernelOptions(cfg *config.Config) (kernel.Options, error) {
	kc := cfg.Kernel
	opts := kernel.Options{
		DeploymentName:  kc.DeploymentName,
		PodName:         kc.PodName,
		ModelDir:        cmp.Or(kc.ModelDir, kc.WorkDir),
		ModelFile:       kc.ModelFile,
		ScoringCommand:  kc.ScoringCommand,
		StartCommands:   kc.StartCommands,
		DefaultTileSize: kc.DefaultTileSize,
	}

	switch kc.ResultSink {
	case "", sinkVolume, sinkS3:
	default:
		return opts, fmt.Errorf("unknown result sink %q", kc.ResultSink)
	}

	s, err := mlops.NewSession(cfg)
	if err != nil {
		log.Warn("running without workspace access", "error", err)
		return opts, nil
	}
	opts.Tokens = s.Tokens()
	opts.Models = s.Assets()
	opts.Volume = s.Volume("")
	return opts, nil
}

func NewProviderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run the custom metrics provider",
	}

	var listen string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve evaluation requests of the monitoring service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := session(cmd)
			if err != nil {
				return err
			}
			svc, err := newProviderService(s)
			if err != nil {
				return err
			}
			return server.Run(ctx, cmp.Or(listen, s.Config().Provider.Listen), svc.Router())
		},
	}
	serve.Flags().StringVar(&listen, "listen", "", "Address to listen on (default from config)")

	cmd.AddCommand(serve)
	return cmd
}

func newProviderService(s *mlops.Session) (*provider.Service, error) {
	pc := s.Config().Provider
	volumes := func(displayName string) provider.Volume {
		return s.Volume(displayName)
	}

	calculators, err := provider.NewCalculators(pc.Calculators,
		&provider.Generic{Volumes: volumes},
		&provider.Segmentation{
			Volumes:  volumes,
			Runner:   command.ExecRunner{},
			Script:   pc.StatisticsScript,
			WorkDir:  pc.WorkDir,
			MinFiles: pc.MinRecentFiles,
		},
	)
	if err != nil {
		return nil, err
	}

	monitoring := func(dataMartID string) provider.Monitoring {
		return s.OpenScale(dataMartID)
	}
	return provider.NewService(s.Deployments(), monitoring, calculators), nil
}
