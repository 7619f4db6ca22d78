package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepliif/mlops/internal/cli/resources"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
	"github.com/deepliif/mlops/internal/ui"
	"github.com/deepliif/mlops/internal/workflows"
)

func NewMonitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage the monitoring of deployments",
		Long: `Subscribe deployments to the model monitoring service, configure their
custom monitors and inspect the latest evaluation results.`,
	}

	cmd.AddCommand(newMonitorCreateCommand())
	cmd.AddCommand(newMonitorDeleteCommand())
	cmd.AddCommand(newMonitorListCommand())
	cmd.AddCommand(newMonitorStatusCommand())

	return cmd
}

func newMonitorCreateCommand() *cobra.Command {
	var (
		name                string
		serviceProviderName string
		force               bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Subscribe a deployment to the monitoring service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store := s.Deployments()
			entries, err := store.Load(ctx)
			if err != nil {
				return err
			}
			key, entry, err := metadata.FindByDeploymentName(entries, name)
			if err != nil {
				return err
			}

			if sub := entry.OpenScaleSubscriptionID; sub != "" {
				if _, err := ui.Resolve(ctx, prompter, force, interactive(cmd), resubscribeTitle(name, sub), ui.ProceedOptions()); err != nil {
					return err
				}
			}

			monitors, err := s.Monitors().Load(ctx)
			if err != nil {
				return err
			}

			if serviceProviderName == "" {
				serviceProviderName = s.Config().OpenScale.ServiceProviderName
			}

			tf, err := workflows.CreateMonitorWorkflow(ctx, workflows.MonitorOptions{
				ModelAssetID:        key,
				Entry:               entry,
				ServiceProviderName: serviceProviderName,
				Monitors:            monitors,
				Service:             s.OpenScale(""),
				Deployments:         store,
			})
			if err != nil {
				return err
			}
			if err := tf.Run(workflowConcurrency); err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			p.Printf("Monitoring configured for %s\n", p.Normal(name))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&serviceProviderName, "service-provider-name", "", "Service provider the subscription is created under (default from config)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Create the subscription without asking when one exists")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// resubscribeTitle asks before reconfiguring a monitored deployment. The
// subscription of the same name is reused, not duplicated.
func resubscribeTitle(name, subscriptionID string) string {
	return fmt.Sprintf("Deployment %s already has subscription %s, reuse it and reconfigure its monitors", name, subscriptionID)
}

func newMonitorDeleteCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the monitoring subscription of a deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			ids, err := s.OpenScale("").DeleteSubscription(cmd.Context(), "", openscale.SubscriptionName(name))
			if err != nil {
				return err
			}

			p := ui.NewPrinter(cmd.OutOrStdout())
			p.Printf("Deleted %d subscriptions\n", len(ids))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newMonitorListCommand() *cobra.Command {
	var output outputOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List monitoring subscriptions and their monitors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			return listResource(cmd, sessionSource{s}, &resources.SubscriptionResource{}, nil, &output)
		},
	}
	output.addFlags(cmd)

	return cmd
}

func newMonitorStatusCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest measurement of every monitor of a deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			entries, err := s.Deployments().Load(ctx)
			if err != nil {
				return err
			}
			_, entry, err := metadata.FindByDeploymentName(entries, name)
			if err != nil {
				return err
			}
			if entry.OpenScaleSubscriptionID == "" {
				return fmt.Errorf("deployment %s is not monitored", name)
			}

			osc := s.OpenScale("")
			p := ui.NewPrinter(cmd.OutOrStdout())
			for _, monitorID := range metadata.SortedKeys(entry.OpenScaleCustomMetricProvider) {
				measurements, err := osc.Measurements(ctx, entry.OpenScaleSubscriptionID, monitorID, 1)
				if err != nil {
					return err
				}
				_, names, err := osc.MetricIDs(ctx, monitorID)
				if err != nil {
					return err
				}
				printMeasurement(p, monitorID, measurements, names)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// printMeasurement writes the latest measurement of a monitor and the
// metrics breaking their thresholds.
func printMeasurement(p *ui.Printer, monitorID string, measurements []openscale.Measurement, names map[string]string) {
	p.Printf("%s\n", p.Normal(monitorID))
	if len(measurements) == 0 {
		p.Printf("  %s\n", p.Warning("no measurements"))
		return
	}

	m := measurements[0]
	p.Printf("  measurement: %s\n", m.Metadata.ID)
	p.Printf("  run:         %s\n", m.Entity.RunID)
	p.Printf("  timestamp:   %s\n", m.Entity.Timestamp)

	violations := openscale.Violations(m, names)
	if len(violations) == 0 {
		p.Printf("  %s\n", p.Pass("0 metrics violating thresholds"))
		return
	}
	p.Printf("  %s\n", p.Error(fmt.Sprintf("%d metrics violating thresholds", len(violations))))
	for _, v := range violations {
		p.Printf("    %s\n", v)
	}
}
