package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/cli-runtime/pkg/printers"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/cli/resources"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/mlops"
	"github.com/deepliif/mlops/internal/openscale"
)

// outputOptions control how resource lists are printed
type outputOptions struct {
	format    string
	noHeaders bool
}

func (o *outputOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "output", "o", "", "Output format. One of: (json, yaml, wide)")
	cmd.Flags().BoolVar(&o.noHeaders, "no-headers", false, "When using the default output format, don't print headers")
}

// print writes obj in the selected format
func (o *outputOptions) print(res resources.Resource, obj runtime.Object, out io.Writer) error {
	switch o.format {
	case "json", "yaml":
		return printObject(obj, out, o.format)
	case "wide":
		if wide, ok := res.(resources.WideResource); ok {
			table, err := wide.GetWideTable(obj)
			if err != nil {
				return err
			}
			return printTable(table, out, o.noHeaders)
		}
		fallthrough
	case "":
		table, err := res.GetTable(obj)
		if err != nil {
			return err
		}
		return printTable(table, out, o.noHeaders)
	default:
		return fmt.Errorf("unsupported output format: %s", o.format)
	}
}

// printTable prints a table using the table printer
func printTable(table *metav1.Table, out io.Writer, noHeaders bool) error {
	printer := printers.NewTablePrinter(printers.PrintOptions{
		NoHeaders: noHeaders,
	})
	return printer.PrintObj(table, out)
}

// printObject prints data in JSON or YAML format
func printObject(obj runtime.Object, out io.Writer, format string) error {
	var printer printers.ResourcePrinter
	switch format {
	case "json":
		printer = &printers.JSONPrinter{}
	case "yaml":
		printer = &printers.YAMLPrinter{}
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
	return printer.PrintObj(obj, out)
}

// sessionSource reads resources through a session.
type sessionSource struct {
	session *mlops.Session
}

func (s sessionSource) Deployments(ctx context.Context) (map[string]metadata.Deployment, error) {
	return s.session.Deployments().Load(ctx)
}

func (s sessionSource) Assets(ctx context.Context, opts assets.ListOptions) ([]assets.Asset, error) {
	return s.session.Assets().List(ctx, opts)
}

func (s sessionSource) Subscriptions(ctx context.Context) ([]openscale.Subscription, error) {
	return s.session.OpenScale("").Subscriptions(ctx)
}

func (s sessionSource) MonitorInstances(ctx context.Context) ([]openscale.MonitorInstance, error) {
	return s.session.OpenScale("").MonitorInstances(ctx)
}

// listResource fetches and prints one resource.
func listResource(cmd *cobra.Command, source resources.Source, res resources.Resource, names []string, opts *outputOptions) error {
	obj, err := res.List(cmd.Context(), source, names)
	if err != nil {
		return err
	}
	return opts.print(res, obj, cmd.OutOrStdout())
}
