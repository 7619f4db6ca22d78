package workflows

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/edi"
	"github.com/deepliif/mlops/internal/metadata"
)

// Deployer is the part of the deployment CLI the deploy workflow drives.
type Deployer interface {
	Deploy(ctx context.Context, dir string) error
	Start(ctx context.Context, name string) error
	WaitForIdle(ctx context.Context, name string) error
}

// DeployOptions describe a model deployment.
type DeployOptions struct {
	Entry   metadata.Deployment
	Package edi.PackageOptions
	Assets  edi.Downloader
	CLI     Deployer
}

// CreateDeployWorkflow creates and returns a deployment TaskFlow: prepare
// the package, register it, start it and wait until it serves.
func CreateDeployWorkflow(ctx context.Context, opts DeployOptions) *TaskFlow {
	tf := NewTaskFlow(ctx, "deploy-"+opts.Package.DeploymentName)
	name := opts.Package.DeploymentName

	var dir string

	prepare := tf.NewStep("prepare-package", func(ctx context.Context) error {
		var err error
		dir, err = edi.PreparePackage(ctx, opts.Assets, opts.Entry, opts.Package)
		return err
	})

	deploy := tf.NewStep("deploy-package", func(ctx context.Context) error {
		return opts.CLI.Deploy(ctx, dir)
	})

	start := tf.NewStep("start-deployment", func(ctx context.Context) error {
		return opts.CLI.Start(ctx, name)
	})

	wait := tf.NewStep("wait-for-idle", func(ctx context.Context) error {
		if err := opts.CLI.WaitForIdle(ctx, name); err != nil {
			return err
		}
		log.Info("deployment is ready", "name", name)
		return nil
	})

	prepare.Precede(deploy)
	deploy.Precede(start)
	start.Precede(wait)

	return tf
}
