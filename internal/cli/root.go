package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/config"
	"github.com/deepliif/mlops/internal/mlops"
	"github.com/deepliif/mlops/internal/ui"
)

// workflowConcurrency is the number of workflow steps run at once.
const workflowConcurrency = 4

// prompter asks before overwriting existing items.
var prompter ui.Prompter = ui.FormPrompter{}

func NewRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "mlops",
		Short: "DeepLIIF MLOps CLI",
		Long: `mlops stages, deploys and monitors the DeepLIIF model on the analytics
platform and runs the inference kernel and custom metrics provider.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			cmd.SetContext(mlops.WithConfig(cmd.Context(), cfg))
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if err := cmd.Help(); err != nil {
				fmt.Fprintf(os.Stderr, "Error showing help: %v\n", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultFile, "Path to the configuration file")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewPrepareCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewDeployCommand())
	rootCmd.AddCommand(NewMonitorCommand())
	rootCmd.AddCommand(NewGetCommand())
	rootCmd.AddCommand(NewKernelCommand())
	rootCmd.AddCommand(NewProviderCommand())
	rootCmd.AddCommand(NewFunctionCommand())
	rootCmd.AddCommand(NewTrainCommand())

	return rootCmd
}

// session returns the workspace session of a command.
func session(cmd *cobra.Command) (*mlops.Session, error) {
	return mlops.SessionFrom(cmd.Context())
}

// interactive reports whether prompts can be shown.
var interactive = func(cmd *cobra.Command) bool {
	return ui.IsTerminal(cmd.InOrStdin()) && ui.IsTerminal(cmd.OutOrStdout())
}
