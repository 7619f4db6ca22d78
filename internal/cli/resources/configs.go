package resources

import (
	"context"
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/deepliif/mlops/internal/metadata"
)

// ConfigResource handles the entries of the deployment metadata document
type ConfigResource struct{}

func (r *ConfigResource) Name() string {
	return "configs"
}

func (r *ConfigResource) Aliases() []string {
	return []string{"config", "cfg"}
}

// List returns the visible entries. names filter by model asset id or
// deployment name.
func (r *ConfigResource) List(ctx context.Context, source Source, names []string) (runtime.Object, error) {
	entries, err := source.Deployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", metadata.DeploymentFile, err)
	}

	filter := nameSet(names)
	items := []ConfigInfo{}
	for _, s := range metadata.Summaries(entries) {
		if filter != nil && !filter[s.ModelAssetID] && !filter[s.DeploymentName] {
			continue
		}
		entry := entries[s.ModelAssetID]
		items = append(items, ConfigInfo{
			Summary:        s,
			DependencyFile: entry.WMLADeployment.DependencyFilename,
			DeploymentURL:  entry.WMLADeployment.DeploymentURL,
			Monitors:       metadata.SortedKeys(entry.OpenScaleCustomMetricProvider),
		})
	}

	return &ConfigList{
		TypeMeta: metav1.TypeMeta{
			Kind:       "ConfigList",
			APIVersion: apiVersion,
		},
		Items: items,
	}, nil
}

func (r *ConfigResource) GetTable(obj runtime.Object) (*metav1.Table, error) {
	return r.table(obj, false)
}

func (r *ConfigResource) GetWideTable(obj runtime.Object) (*metav1.Table, error) {
	return r.table(obj, true)
}

func (r *ConfigResource) table(obj runtime.Object, wide bool) (*metav1.Table, error) {
	list, ok := obj.(*ConfigList)
	if !ok {
		return nil, fmt.Errorf("expected ConfigList, got %T", obj)
	}

	columns := []metav1.TableColumnDefinition{
		{Name: "MODEL-ASSET-ID", Type: "string", Description: "Key of the entry"},
		{Name: "MODEL-ASSET", Type: "string", Description: "Model archive name"},
		{Name: "DEPLOYMENT", Type: "string", Description: "Live deployment name"},
		{Name: "SUBSCRIPTION", Type: "string", Description: "Monitoring subscription id"},
	}
	if wide {
		columns = append(columns,
			metav1.TableColumnDefinition{Name: "DEPENDENCY", Type: "string", Description: "Dependency bundle name"},
			metav1.TableColumnDefinition{Name: "MONITORS", Type: "string", Description: "Configured custom monitors"},
		)
	}

	rows := []metav1.TableRow{}
	for _, item := range list.Items {
		cells := []interface{}{
			item.ModelAssetID,
			orNone(item.ModelAsset),
			orNone(item.DeploymentName),
			orNone(item.OpenScaleSubscriptionID),
		}
		if wide {
			cells = append(cells, orNone(item.DependencyFile), orNone(strings.Join(item.Monitors, ",")))
		}
		rows = append(rows, metav1.TableRow{Cells: cells})
	}

	return newTable(columns, rows), nil
}
