package cli

import (
	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/mlops"
	"github.com/deepliif/mlops/internal/training"
	"github.com/deepliif/mlops/internal/ui"
)

// trainingRunner runs the training submission CLI.
var trainingRunner command.Runner = command.ExecRunner{}

func NewTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Submit model training jobs",
		Long: `Prepare a submission folder and submit training jobs through the training
submission CLI of the model training service.`,
	}

	cmd.AddCommand(newTrainOptionsCommand())
	cmd.AddCommand(newTrainPrepareCommand())
	cmd.AddCommand(newTrainSubmitCommand())

	return cmd
}

func newTrainOptionsCommand() *cobra.Command {
	var (
		framework string
		noHeaders bool
	)

	cmd := &cobra.Command{
		Use:   "options",
		Short: "Show the common submission options of a framework",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := training.DefaultOptions(framework)
			if err != nil {
				return err
			}

			table := &metav1.Table{
				ColumnDefinitions: []metav1.TableColumnDefinition{
					{Name: "Name", Type: "string"},
					{Name: "Value", Type: "string"},
					{Name: "Description", Type: "string"},
				},
			}
			for _, o := range opts {
				table.Rows = append(table.Rows, metav1.TableRow{Cells: []interface{}{o.Name, o.Value, o.Description}})
			}
			return printTable(table, cmd.OutOrStdout(), noHeaders)
		},
	}

	cmd.Flags().StringVar(&framework, "framework", training.PyTorch, "Framework, PyTorch or distPyTorch")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "Don't print headers")

	return cmd
}

func newTrainPrepareCommand() *cobra.Command {
	var opts training.SubmissionOptions

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Recreate the submission folder",
		Long: `Recreate the submission folder from files and folders, given as glob
patterns. With distPyTorch the training file is patched to start the process
group first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Dir == "" {
				cfg, err := mlops.Config(cmd.Context())
				if err != nil {
					return err
				}
				opts.Dir = cfg.Training.SubmissionDir
			}
			if err := training.PrepareSubmission(opts); err != nil {
				return err
			}

			ui.NewPrinter(cmd.OutOrStdout()).Printf("Prepared %s\n", opts.Dir)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&opts.Files, "file", nil, "Files to copy, repeatable")
	cmd.Flags().StringArrayVar(&opts.Folders, "folder", nil, "Folders to copy, repeatable")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "Submission folder (default from configuration)")
	cmd.Flags().StringVar(&opts.Framework, "framework", training.PyTorch, "Framework, PyTorch or distPyTorch")
	cmd.Flags().StringVar(&opts.TrainingFile, "training-file", "", "Training file to patch for distPyTorch")

	return cmd
}

func newTrainSubmitCommand() *cobra.Command {
	var pairs []string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a training job",
		Long: `Submit a training job with the given options. Options may repeat, such as
msd-env. The console host, port and token come from the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := make([]training.Option, 0, len(pairs))
			for _, pair := range pairs {
				k, v, err := splitPair("option", pair)
				if err != nil {
					return err
				}
				options = append(options, training.Option{Name: k, Value: v})
			}

			s, err := session(cmd)
			if err != nil {
				return err
			}
			_, err = s.Training(trainingRunner, cmd.OutOrStdout()).Submit(cmd.Context(), options)
			return err
		},
	}

	cmd.Flags().StringArrayVar(&pairs, "option", nil, "Submission option as name=value, repeatable")

	return cmd
}
