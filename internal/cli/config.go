package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/cli/resources"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/ui"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the deployment metadata",
		Long: `Manage the deployment metadata document, a YAML file stored in the
deployment space that maps model asset ids to their deployment settings.`,
	}

	cmd.AddCommand(newConfigListCommand())
	cmd.AddCommand(newConfigAddCommand())
	cmd.AddCommand(newConfigDeleteCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigInitCommand())

	return cmd
}

func newConfigListCommand() *cobra.Command {
	var (
		detail bool
		output outputOptions
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the metadata documents in the deployment space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			source := sessionSource{s}

			if err := listResource(cmd, source, &resources.AssetResource{Extension: ".yml"}, nil, &output); err != nil {
				return err
			}
			if !detail {
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nEntries of %s:\n", metadata.DeploymentFile)
			return listResource(cmd, source, &resources.ConfigResource{}, nil, &output)
		},
	}

	cmd.Flags().BoolVar(&detail, "detail", false, "Also list the entries of the deployment metadata")
	output.addFlags(cmd)

	return cmd
}

func newConfigAddCommand() *cobra.Command {
	var (
		pathYML string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add entries to the deployment metadata",
		Long: `Validate a document of entries keyed by model asset id and add them to the
deployment metadata. Existing keys are only replaced with --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ui.NewPrinter(cmd.OutOrStdout())

			data, err := validateFile(p, pathYML, metadata.KindDeployment, true)
			if err != nil {
				return err
			}
			entries, err := metadata.Decode[metadata.Deployment](data)
			if err != nil {
				return err
			}

			s, err := session(cmd)
			if err != nil {
				return err
			}

			err = s.Deployments().Add(cmd.Context(), entries, force)
			if errors.Is(err, metadata.ErrKeyExists) {
				return fmt.Errorf("%w, rerun with --force to replace it", err)
			}
			if err != nil {
				return err
			}

			p.Printf("Added %d entries to %s\n", len(entries), metadata.DeploymentFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&pathYML, "path-yml", "", "Document of entries keyed by model asset id")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace existing entries")
	_ = cmd.MarkFlagRequired("path-yml")

	return cmd
}

func newConfigDeleteCommand() *cobra.Command {
	var name, modelAssetID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete entries from the deployment metadata",
		Long: `Delete the entry of a model asset id or every entry deployed under a name.
The model asset id takes priority when both are given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && modelAssetID == "" {
				return errors.New("either --name or --model-asset-id is required")
			}

			s, err := session(cmd)
			if err != nil {
				return err
			}
			store := s.Deployments()

			keys := []string{modelAssetID}
			if modelAssetID == "" {
				entries, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				keys = keysByDeploymentName(entries, name)
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			p.Printf("%d entries to delete.\n", len(keys))
			if len(keys) == 0 {
				return nil
			}
			return store.Delete(cmd.Context(), keys...)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&modelAssetID, "model-asset-id", "", "Model asset id")

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var (
		kind    string
		withKey bool
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a metadata document against its schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			_, err = validateFile(ui.NewPrinter(cmd.OutOrStdout()), args[0], k, withKey)
			return err
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(metadata.KindDeployment), "Document kind. One of: (deployment, monitor)")
	cmd.Flags().BoolVar(&withKey, "with-key", true, "The document maps keys to entries")

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		kind  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty metadata document, replacing any existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}

			title := fmt.Sprintf("Replace %s with an empty document", k.File())
			if _, err := ui.Resolve(cmd.Context(), prompter, force, interactive(cmd), title, ui.ProceedOptions()); err != nil {
				return err
			}

			s, err := session(cmd)
			if err != nil {
				return err
			}
			if k == metadata.KindMonitor {
				return s.Monitors().Initialize(cmd.Context())
			}
			return s.Deployments().Initialize(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(metadata.KindDeployment), "Document kind. One of: (deployment, monitor)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Do not ask for confirmation")

	return cmd
}

func parseKind(kind string) (metadata.Kind, error) {
	switch k := metadata.Kind(kind); k {
	case metadata.KindDeployment, metadata.KindMonitor:
		return k, nil
	}
	return "", fmt.Errorf("unknown document kind %q", kind)
}

// keysByDeploymentName returns the keys of every entry deployed as name.
func keysByDeploymentName(entries map[string]metadata.Deployment, name string) []string {
	var keys []string
	for _, key := range metadata.SortedKeys(entries) {
		if entries[key].WMLADeployment.DeploymentName == name {
			keys = append(keys, key)
		}
	}
	return keys
}
