package workflows

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
)

// Monitoring is the part of the monitoring service the monitor workflow
// drives.
type Monitoring interface {
	CreateServiceProvider(ctx context.Context, opts openscale.ServiceProviderOptions) ([]string, error)
	CreateSubscription(ctx context.Context, opts openscale.SubscriptionOptions) (string, error)
	ThresholdOverrides(ctx context.Context, deployment metadata.Deployment, monitorID string) ([]openscale.ThresholdOverride, error)
	CreateMonitorInstance(ctx context.Context, opts openscale.MonitorInstanceOptions) (string, error)
}

// DeploymentUpdater records changes to a deployment entry.
type DeploymentUpdater interface {
	Modify(ctx context.Context, key string, fn func(*metadata.Deployment) error) error
}

// MonitorOptions describe the monitoring setup of a deployment.
type MonitorOptions struct {
	ModelAssetID        string
	Entry               metadata.Deployment
	ServiceProviderName string
	// Monitors holds the monitor metadata document, keyed by monitor id.
	Monitors    map[string]metadata.Monitor
	Service     Monitoring
	Deployments DeploymentUpdater
}

// CreateMonitorWorkflow creates a TaskFlow that subscribes a deployment to
// the monitoring service and configures every custom monitor of its entry.
// The instances are configured in parallel.
func CreateMonitorWorkflow(ctx context.Context, opts MonitorOptions) (*TaskFlow, error) {
	name := opts.Entry.WMLADeployment.DeploymentName
	if name == "" {
		return nil, fmt.Errorf("model asset %s is not deployed", opts.ModelAssetID)
	}

	for monitorID := range opts.Entry.OpenScaleCustomMetricProvider {
		if opts.Monitors[monitorID].IntegratedSystemID == "" {
			return nil, fmt.Errorf("monitor %s has no integrated system in the monitor metadata", monitorID)
		}
	}

	tf := NewTaskFlow(ctx, "monitor-"+name)

	var providerID, subscriptionID string

	provider := tf.NewStep("ensure-service-provider", func(ctx context.Context) error {
		ids, err := opts.Service.CreateServiceProvider(ctx, openscale.ServiceProviderOptions{Name: opts.ServiceProviderName})
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("no service provider named %s", opts.ServiceProviderName)
		}
		providerID = ids[0]
		return nil
	})

	subscription := tf.NewStep("ensure-subscription", func(ctx context.Context) error {
		var err error
		subscriptionID, err = opts.Service.CreateSubscription(ctx, openscale.SubscriptionOptions{
			Name:              openscale.SubscriptionName(name),
			ServiceProviderID: providerID,
			ModelAssetID:      opts.ModelAssetID,
			DeploymentID:      opts.Entry.DeploymentID,
			DeploymentName:    name,
			ScoringURL:        opts.Entry.WMLADeployment.DeploymentURL,
		})
		return err
	})

	steps := map[string]func(context.Context) error{}
	for monitorID, settings := range opts.Entry.OpenScaleCustomMetricProvider {
		steps["configure-monitor-"+monitorID] = func(ctx context.Context) error {
			thresholds, err := opts.Service.ThresholdOverrides(ctx, opts.Entry, monitorID)
			if err != nil {
				return err
			}
			id, err := opts.Service.CreateMonitorInstance(ctx, openscale.MonitorInstanceOptions{
				MonitorID:          monitorID,
				SubscriptionID:     subscriptionID,
				IntegratedSystemID: opts.Monitors[monitorID].IntegratedSystemID,
				WaitTime:           settings.WaitTime,
				Thresholds:         thresholds,
			})
			if err != nil {
				return err
			}
			log.Info("configured monitor", "monitor", monitorID, "instance", id)
			return nil
		}
	}
	monitors := tf.NewParallelSteps("configure-monitors", steps)

	record := tf.NewStep("record-subscription", func(ctx context.Context) error {
		return opts.Deployments.Modify(ctx, opts.ModelAssetID, func(d *metadata.Deployment) error {
			d.OpenScaleSubscriptionID = subscriptionID
			return nil
		})
	})

	provider.Precede(subscription)
	subscription.Precede(monitors)
	monitors.Precede(record)

	return tf, nil
}
