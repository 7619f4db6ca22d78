package resources

import (
	"context"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
)

// apiVersion is the group version stamped on every list.
const apiVersion = "mlops.deepliif.org/v1"

// Source is where resources are read from.
type Source interface {
	Deployments(ctx context.Context) (map[string]metadata.Deployment, error)
	Assets(ctx context.Context, opts assets.ListOptions) ([]assets.Asset, error)
	Subscriptions(ctx context.Context) ([]openscale.Subscription, error)
	MonitorInstances(ctx context.Context) ([]openscale.MonitorInstance, error)
}

// Resource defines the interface for a resource that can be fetched
type Resource interface {
	// Name returns the resource name (e.g., "configs")
	Name() string

	// Aliases returns alternative names for the resource (e.g., ["config"] for "configs")
	Aliases() []string

	// List fetches resources and returns them as a runtime.Object list
	List(ctx context.Context, source Source, names []string) (runtime.Object, error)

	// GetTable converts a runtime.Object list to a table representation
	GetTable(obj runtime.Object) (*metav1.Table, error)
}

// WideResource is a resource with an extended table.
type WideResource interface {
	GetWideTable(obj runtime.Object) (*metav1.Table, error)
}

// Registry holds all registered resources
type Registry struct {
	resources map[string]Resource
}

// NewRegistry creates a new resource registry
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]Resource),
	}
}

// DefaultRegistry returns a registry holding every resource of the tool.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ConfigResource{})
	r.Register(&AssetResource{})
	r.Register(&SubscriptionResource{})
	return r
}

// Register adds a resource to the registry
func (r *Registry) Register(resource Resource) {
	r.resources[resource.Name()] = resource

	for _, alias := range resource.Aliases() {
		r.resources[alias] = resource
	}
}

// Get retrieves a resource by name
func (r *Registry) Get(name string) (Resource, bool) {
	resource, ok := r.resources[name]
	return resource, ok
}

// List returns the names of all registered resources, sorted
func (r *Registry) List() []string {
	var names []string
	for name, resource := range r.resources {
		if name == resource.Name() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func newTable(columns []metav1.TableColumnDefinition, rows []metav1.TableRow) *metav1.Table {
	return &metav1.Table{
		TypeMeta: metav1.TypeMeta{
			Kind:       "Table",
			APIVersion: "meta.k8s.io/v1",
		},
		ColumnDefinitions: columns,
		Rows:              rows,
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
