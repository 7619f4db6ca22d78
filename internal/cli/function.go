package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/functions"
	"github.com/deepliif/mlops/internal/ui"
)

func NewFunctionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Manage deployable Python functions",
		Long: `Prepare, store, deploy and delete Python functions in the deployment space.
A function serves predictions through its own online deployment.`,
	}

	cmd.AddCommand(newFunctionPrepareCommand())
	cmd.AddCommand(newFunctionStoreCommand())
	cmd.AddCommand(newFunctionDeployCommand())
	cmd.AddCommand(newFunctionDeleteCommand())

	return cmd
}

// splitPair splits a key=value flag value.
func splitPair(flag, pair string) (string, string, error) {
	k, v, ok := strings.Cut(pair, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("--%s %q is not a key=value pair", flag, pair)
	}
	return k, v, nil
}

func newFunctionPrepareCommand() *cobra.Command {
	var (
		vars    []string
		scripts []string
		target  string
	)

	cmd := &cobra.Command{
		Use:   "prepare <script>",
		Short: "Embed variables and helper scripts into a function script",
		Long: `Write a copy of a function script with variables assigned at its top and
helper scripts embedded. Keys are Python identifiers or os.environ['NAME'].
The copy may hold credentials, do not share it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables := make(map[string]string, len(vars))
			for _, pair := range vars {
				k, v, err := splitPair("var", pair)
				if err != nil {
					return err
				}
				variables[k] = v
			}

			path, err := functions.Prepare(args[0], functions.PrepareOptions{
				Variables: variables,
				Scripts:   scripts,
				Target:    target,
			})
			if err != nil {
				return err
			}

			ui.NewPrinter(cmd.OutOrStdout()).Printf("Prepared %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "Variable to assign as key=value, repeatable")
	cmd.Flags().StringArrayVar(&scripts, "script", nil, "Helper script to embed, repeatable")
	cmd.Flags().StringVar(&target, "target", "", "Path of the prepared copy (default <script>_edited.py)")

	return cmd
}

func newFunctionStoreCommand() *cobra.Command {
	var (
		name         string
		softwareSpec string
		overwrite    bool
	)

	cmd := &cobra.Command{
		Use:   "store <script>",
		Short: "Store a function script as a function asset",
		Long: `Store a function script as a function asset of the deployment space.
With --overwrite, functions of the same name and their deployments are
deleted first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			if softwareSpec == "" {
				softwareSpec = s.Config().Functions.SoftwareSpec
			}

			id, err := s.Functions().Store(cmd.Context(), args[0], functions.StoreOptions{
				Name:         name,
				SoftwareSpec: softwareSpec,
				Overwrite:    overwrite,
			})
			if err != nil {
				return err
			}

			ui.NewPrinter(cmd.OutOrStdout()).Printf("Function id: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", functions.DefaultName, "Name of the function asset")
	cmd.Flags().StringVar(&softwareSpec, "software-spec", "", "Software specification (default from configuration)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", true, "Delete functions of the same name first")

	return cmd
}

func newFunctionDeployCommand() *cobra.Command {
	var (
		functionID   string
		name         string
		hardwareSpec string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a stored function online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			if hardwareSpec == "" {
				hardwareSpec = s.Config().Functions.HardwareSpec
			}

			id, scoringURL, err := s.Functions().Deploy(cmd.Context(), functionID, functions.DeployOptions{
				Name:         name,
				HardwareSpec: hardwareSpec,
			})
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			p.Printf("Deployment id: %s\n", id)
			p.Printf("Scoring URL: %s\n", scoringURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&functionID, "function-id", "", "Id of the stored function")
	cmd.Flags().StringVar(&name, "name", functions.DefaultDeploymentName, "Name of the deployment")
	cmd.Flags().StringVar(&hardwareSpec, "hardware-spec", "", "Hardware specification (default from configuration)")
	_ = cmd.MarkFlagRequired("function-id")

	return cmd
}

func newFunctionDeleteCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete functions and their deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			s, err := session(cmd)
			if err != nil {
				return err
			}

			res, err := s.Functions().Delete(cmd.Context(), name)
			if err != nil {
				return err
			}

			ui.NewPrinter(cmd.OutOrStdout()).Printf("Deleted %d functions and %d deployments named %s\n",
				len(res.Functions), len(res.Deployments), name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name of the functions to delete")

	return cmd
}
