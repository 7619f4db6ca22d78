package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/edi"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
	"github.com/deepliif/mlops/internal/ui"
	"github.com/deepliif/mlops/internal/workflows"
)

// NewDeployCommand creates and returns the deploy command
func NewDeployCommand() *cobra.Command {
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Manage inference deployments",
		Long: `Create, stop, delete and inspect the live inference endpoints of staged
models. The deployment CLI does the work and must be installed.`,
	}

	deployCmd.AddCommand(newDeployCreateCommand())
	deployCmd.AddCommand(newDeployStopCommand())
	deployCmd.AddCommand(newDeployDeleteCommand())
	deployCmd.AddCommand(newDeployListCommand())
	deployCmd.AddCommand(newDeployStatusCommand())

	return deployCmd
}

type deployCreateOptions struct {
	name         string
	modelAssetID string
	kernelFile   string
	customArgs   []string
	dlimPath     string
	workDir      string
}

func newDeployCreateCommand() *cobra.Command {
	o := &deployCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Deploy a staged model",
		Long: `Build the deployment package of a staged model, register it with the
deployment CLI, start it and wait until it serves requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	cmd.Flags().StringVar(&o.name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&o.modelAssetID, "model-asset-id", "", "Model asset id of the staged model")
	cmd.Flags().StringVar(&o.kernelFile, "kernel-filename", edi.DefaultKernelFile, "Kernel script in the dependency bundle")
	cmd.Flags().StringArrayVar(&o.customArgs, "custom-arg", nil, "Variable injected into the kernel script as key=value, repeatable")
	cmd.Flags().StringVar(&o.dlimPath, "dlim-path", "", "Path to the deployment CLI")
	cmd.Flags().StringVar(&o.workDir, "work-dir", os.TempDir(), "Directory the package is built in")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("model-asset-id")

	return cmd
}

func (o *deployCreateOptions) run(cmd *cobra.Command) error {
	if err := edi.ValidateDeploymentName(o.name); err != nil {
		return err
	}
	vars, err := edi.ParseCustomArgs(o.customArgs)
	if err != nil {
		return err
	}

	s, err := session(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := s.Config()

	store := s.Deployments()
	entries, err := store.Load(ctx)
	if err != nil {
		return err
	}

	entry, ok := entries[o.modelAssetID]
	if !ok {
		return fmt.Errorf("model asset id %s not found in %s: %w", o.modelAssetID, metadata.DeploymentFile, metadata.ErrNotFound)
	}
	if other, taken := metadata.DeploymentNameTaken(entries, o.modelAssetID, o.name); taken {
		return fmt.Errorf("deployment name %s is already used by model asset %s", o.name, other)
	}
	if current := entry.WMLADeployment.DeploymentName; current != "" {
		return fmt.Errorf("model asset %s is already deployed as %s", o.modelAssetID, current)
	}

	if o.dlimPath != "" {
		cfg.WMLA.DlimPath = o.dlimPath
	}
	dlimCLI, err := s.DLIM(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	url := cfg.InferenceURL(o.name)
	err = store.Modify(ctx, o.modelAssetID, func(d *metadata.Deployment) error {
		d.WMLADeployment.DeploymentName = o.name
		d.WMLADeployment.DeploymentURL = url
		return nil
	})
	if err != nil {
		return err
	}
	entry.WMLADeployment.DeploymentName = o.name
	entry.WMLADeployment.DeploymentURL = url

	tf := workflows.CreateDeployWorkflow(ctx, workflows.DeployOptions{
		Entry: entry,
		Package: edi.PackageOptions{
			DeploymentName: o.name,
			SpaceID:        cfg.SpaceID,
			KernelFile:     o.kernelFile,
			Variables:      vars,
			WorkDir:        o.workDir,
		},
		Assets: s.Assets(),
		CLI:    dlimCLI,
	})
	if err := tf.Run(workflowConcurrency); err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Printf("Deployment url: %s\n", p.Normal(url))
	return nil
}

func newDeployStopCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			dlimCLI, err := s.DLIM(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return dlimCLI.Stop(cmd.Context(), name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

type deployDeleteOptions struct {
	name          string
	removeMonitor bool
	removeConfig  bool
}

func newDeployDeleteCommand() *cobra.Command {
	o := &deployDeleteOptions{}

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Undeploy a model",
		Long: `Remove a deployment. Its metadata entry is kept with the deployment name
cleared unless --remove-config is given; --remove-monitor also deletes the
monitoring subscription.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	cmd.Flags().StringVar(&o.name, "name", "", "Deployment name")
	cmd.Flags().BoolVar(&o.removeMonitor, "remove-monitor", false, "Delete the monitoring subscription")
	cmd.Flags().BoolVar(&o.removeConfig, "remove-config", false, "Delete the metadata entry")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func (o *deployDeleteOptions) run(cmd *cobra.Command) error {
	s, err := session(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	p := ui.NewPrinter(cmd.OutOrStdout())

	dlimCLI, err := s.DLIM(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := dlimCLI.Undeploy(ctx, o.name); err != nil {
		return err
	}

	if o.removeMonitor {
		ids, err := s.OpenScale("").DeleteSubscription(ctx, "", openscale.SubscriptionName(o.name))
		if err != nil {
			return err
		}
		p.Printf("Deleted %d subscriptions\n", len(ids))
	}

	store := s.Deployments()
	entries, err := store.Load(ctx)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return err
	}
	keys := keysByDeploymentName(entries, o.name)
	if len(keys) == 0 {
		p.Printf("%s no config found for deployment %s\n", p.Warning("Warning:"), o.name)
		return nil
	}

	if o.removeConfig {
		if err := store.Delete(ctx, keys...); err != nil {
			return err
		}
		p.Printf("Deleted config %s\n", strings.Join(keys, ", "))
		return nil
	}

	for _, key := range keys {
		err := store.Modify(ctx, key, func(d *metadata.Deployment) error {
			d.WMLADeployment.DeploymentName = ""
			d.WMLADeployment.DeploymentURL = ""
			if o.removeMonitor {
				d.OpenScaleSubscriptionID = ""
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("cleared deployment from config", "key", key, "name", o.name)
	}
	return nil
}

func newDeployListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			dlimCLI, err := s.DLIM(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out, err := dlimCLI.List(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newDeployStatusCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			dlimCLI, err := s.DLIM(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			lines, err := dlimCLI.View(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
