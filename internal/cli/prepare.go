package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/ui"
)

// errInvalidDocument is returned after the validation problems have been
// printed.
var errInvalidDocument = errors.New("metadata document is invalid")

func NewPrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Prepare model artifacts for deployment",
	}
	cmd.AddCommand(newPrepareStageCommand())
	return cmd
}

type stageOptions struct {
	pathYML        string
	pathModel      string
	pathDependency string
	force          bool
}

func newPrepareStageCommand() *cobra.Command {
	o := &stageOptions{}

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Upload the model and its dependencies and record them in the deployment metadata",
		Long: `Validate a single deployment metadata entry, upload the model and dependency
files (directories are zipped) to the deployment space and add the entry under
the id of the uploaded model asset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	cmd.Flags().StringVar(&o.pathYML, "path-yml", metadata.DeploymentFile, "Metadata entry of the model")
	cmd.Flags().StringVar(&o.pathModel, "path-model", "model/", "Model file or directory")
	cmd.Flags().StringVar(&o.pathDependency, "path-dependency", "dependency/", "Dependency file or directory")
	cmd.Flags().BoolVarP(&o.force, "force", "f", false, "Overwrite existing assets without asking")

	return cmd
}

func (o *stageOptions) run(cmd *cobra.Command) error {
	p := ui.NewPrinter(cmd.OutOrStdout())

	data, err := validateFile(p, o.pathYML, metadata.KindDeployment, false)
	if err != nil {
		return err
	}

	var entry metadata.Deployment
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to parse %s: %w", o.pathYML, err)
	}

	s, err := session(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	modelName, err := assets.AssetName(o.pathModel)
	if err != nil {
		return err
	}
	dependencyName, err := assets.AssetName(o.pathDependency)
	if err != nil {
		return err
	}

	for _, path := range []string{o.pathModel, o.pathDependency} {
		if err := uploadAsset(ctx, cmd, s.Assets(), path, o.force); err != nil {
			return err
		}
	}

	model, err := s.Assets().Latest(ctx, modelName)
	if err != nil {
		return err
	}

	entry.DeploymentSpaceID = s.Config().SpaceID
	entry.ModelAsset = modelName
	entry.WMLADeployment.DependencyFilename = dependencyName

	if err := s.Deployments().Add(ctx, map[string]metadata.Deployment{model.ID: entry}, true); err != nil {
		return err
	}

	p.Printf("Model asset id: %s\n", p.Normal(model.ID))
	return nil
}

// assetUploader is the part of the asset client staging needs.
type assetUploader interface {
	FindByName(ctx context.Context, name string) ([]assets.Asset, error)
	Upload(ctx context.Context, path string, opts assets.UploadOptions) (string, error)
}

// uploadAsset uploads path and asks what to do when an asset with the
// same name exists.
func uploadAsset(ctx context.Context, cmd *cobra.Command, store assetUploader, path string, force bool) error {
	name, err := assets.AssetName(path)
	if err != nil {
		return err
	}

	existing, err := store.FindByName(ctx, name)
	if err != nil {
		return err
	}

	overwrite := false
	if len(existing) > 0 {
		title := fmt.Sprintf("Data asset %s already exists", name)
		answer, err := ui.Resolve(ctx, prompter, force, interactive(cmd), title, ui.OverwriteOptions())
		if err != nil {
			return err
		}
		overwrite = answer == ui.Overwrite
	}

	id, err := store.Upload(ctx, path, assets.UploadOptions{Overwrite: overwrite})
	if err != nil {
		return err
	}
	log.Info("uploaded asset", "name", name, "id", id, "overwrite", overwrite)
	return nil
}

// validateFile checks a metadata file against the schema of kind, prints
// the outcome and returns the file content.
func validateFile(p *ui.Printer, path string, kind metadata.Kind, withKey bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := metadata.DecodeRaw(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	v := metadata.Validate(kind, doc, withKey)
	printValidation(p, path, v)
	if !v.Valid() {
		return nil, errInvalidDocument
	}
	return data, nil
}

func printValidation(p *ui.Printer, path string, v metadata.Validation) {
	if v.Valid() {
		p.Printf("Validating %s: %s\n", path, p.Pass("Pass"))
		return
	}

	p.Printf("Validating %s: %s (%s)\n", path, p.Error("Failed"), v)
	for _, r := range v.Results {
		for _, msg := range r.Messages {
			if r.Key != "" {
				p.Printf("  %s: %s\n", p.Warning(r.Key), msg)
			} else {
				p.Printf("  %s\n", msg)
			}
		}
	}
}
