package resources

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/deepliif/mlops/internal/assets"
)

// AssetResource handles the data assets of the deployment space
type AssetResource struct {
	// Extension keeps only assets whose name ends with it.
	Extension string
	// All lists every revision instead of the latest asset per name.
	All bool
}

func (r *AssetResource) Name() string {
	return "assets"
}

func (r *AssetResource) Aliases() []string {
	return []string{"asset"}
}

// List returns the assets, filtered by name when names are given.
func (r *AssetResource) List(ctx context.Context, source Source, names []string) (runtime.Object, error) {
	found, err := source.Assets(ctx, assets.ListOptions{LatestOnly: !r.All, Extension: r.Extension})
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	filter := nameSet(names)
	items := []assets.Asset{}
	for _, a := range found {
		if filter != nil && !filter[a.Name] && !filter[a.ID] {
			continue
		}
		items = append(items, a)
	}

	return &AssetList{
		TypeMeta: metav1.TypeMeta{
			Kind:       "AssetList",
			APIVersion: apiVersion,
		},
		Items: items,
	}, nil
}

func (r *AssetResource) GetTable(obj runtime.Object) (*metav1.Table, error) {
	list, ok := obj.(*AssetList)
	if !ok {
		return nil, fmt.Errorf("expected AssetList, got %T", obj)
	}

	columns := []metav1.TableColumnDefinition{
		{Name: "NAME", Type: "string", Description: "Asset name"},
		{Name: "ID", Type: "string", Description: "Asset id"},
		{Name: "LAST-UPDATED", Type: "string", Description: "Time of the last update"},
		{Name: "UPDATED-BY", Type: "string", Description: "User of the last update"},
	}

	rows := []metav1.TableRow{}
	for _, a := range list.Items {
		updated := "<unknown>"
		if !a.LastUpdatedAt.IsZero() && a.LastUpdatedAt.Unix() != 0 {
			updated = a.LastUpdatedAt.Format(time.RFC3339)
		}
		rows = append(rows, metav1.TableRow{
			Cells: []interface{}{a.Name, a.ID, updated, orNone(a.LastUpdaterID)},
		})
	}

	return newTable(columns, rows), nil
}
