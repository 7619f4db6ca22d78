package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/deepliif/mlops/internal/openscale"
)

// SubscriptionResource handles the subscriptions of the monitoring service
type SubscriptionResource struct{}

func (r *SubscriptionResource) Name() string {
	return "subscriptions"
}

func (r *SubscriptionResource) Aliases() []string {
	return []string{"subscription", "sub", "monitors"}
}

// List joins every subscription with the monitors whose instances target
// it. names filter by subscription name or id.
func (r *SubscriptionResource) List(ctx context.Context, source Source, names []string) (runtime.Object, error) {
	subs, err := source.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	instances, err := source.MonitorInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitor instances: %w", err)
	}
	monitors := openscale.InstancesBySubscription(instances)

	filter := nameSet(names)
	items := []SubscriptionInfo{}
	for _, s := range subs {
		if filter != nil && !filter[s.Entity.Asset.Name] && !filter[s.Metadata.ID] {
			continue
		}
		items = append(items, SubscriptionInfo{
			ID:             s.Metadata.ID,
			Name:           s.Entity.Asset.Name,
			CreatedAt:      s.Metadata.CreatedAt,
			CreatedBy:      s.Metadata.CreatedBy,
			AssetID:        s.Entity.Asset.AssetID,
			DeploymentName: s.Entity.Deployment.Name,
			Monitors:       monitors[s.Metadata.ID],
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})

	return &SubscriptionList{
		TypeMeta: metav1.TypeMeta{
			Kind:       "SubscriptionList",
			APIVersion: apiVersion,
		},
		Items: items,
	}, nil
}

func (r *SubscriptionResource) GetTable(obj runtime.Object) (*metav1.Table, error) {
	return r.table(obj, false)
}

func (r *SubscriptionResource) GetWideTable(obj runtime.Object) (*metav1.Table, error) {
	return r.table(obj, true)
}

func (r *SubscriptionResource) table(obj runtime.Object, wide bool) (*metav1.Table, error) {
	list, ok := obj.(*SubscriptionList)
	if !ok {
		return nil, fmt.Errorf("expected SubscriptionList, got %T", obj)
	}

	columns := []metav1.TableColumnDefinition{
		{Name: "NAME", Type: "string", Description: "Subscription name"},
		{Name: "CREATED", Type: "string", Description: "Creation time"},
		{Name: "CREATED-BY", Type: "string", Description: "Creator"},
		{Name: "ID", Type: "string", Description: "Subscription id"},
		{Name: "MONITORS", Type: "string", Description: "Monitors configured on the subscription"},
	}
	if wide {
		columns = append(columns,
			metav1.TableColumnDefinition{Name: "DEPLOYMENT", Type: "string", Description: "Monitored deployment"},
			metav1.TableColumnDefinition{Name: "ASSET-ID", Type: "string", Description: "Monitored model asset"},
		)
	}

	rows := []metav1.TableRow{}
	for _, item := range list.Items {
		cells := []interface{}{
			item.Name,
			orNone(item.CreatedAt),
			orNone(item.CreatedBy),
			item.ID,
			orNone(strings.Join(item.Monitors, ",")),
		}
		if wide {
			cells = append(cells, orNone(item.DeploymentName), orNone(item.AssetID))
		}
		rows = append(rows, metav1.TableRow{Cells: cells})
	}

	return newTable(columns, rows), nil
}
