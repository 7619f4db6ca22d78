package resources

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/metadata"
)

// ConfigInfo is a deployment metadata entry with its key.
type ConfigInfo struct {
	metadata.Summary `json:",inline"`
	DependencyFile   string   `json:"dependency_filename,omitempty"`
	DeploymentURL    string   `json:"deployment_url,omitempty"`
	Monitors         []string `json:"monitors,omitempty"`
}

// ConfigList represents a list of deployment metadata entries
type ConfigList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ConfigInfo `json:"items"`
}

// GetObjectKind returns the object kind
func (l *ConfigList) GetObjectKind() schema.ObjectKind {
	return &l.TypeMeta
}

// DeepCopyObject creates a deep copy of the ConfigList
func (l *ConfigList) DeepCopyObject() runtime.Object {
	items := make([]ConfigInfo, len(l.Items))
	for i, item := range l.Items {
		item.Monitors = append([]string(nil), item.Monitors...)
		items[i] = item
	}
	return &ConfigList{TypeMeta: l.TypeMeta, ListMeta: l.ListMeta, Items: items}
}

// AssetList represents a list of data assets
type AssetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []assets.Asset `json:"items"`
}

// GetObjectKind returns the object kind
func (l *AssetList) GetObjectKind() schema.ObjectKind {
	return &l.TypeMeta
}

// DeepCopyObject creates a deep copy of the AssetList
func (l *AssetList) DeepCopyObject() runtime.Object {
	return &AssetList{
		TypeMeta: l.TypeMeta,
		ListMeta: l.ListMeta,
		Items:    append([]assets.Asset(nil), l.Items...),
	}
}

// SubscriptionInfo is a monitoring subscription with the monitors
// configured on it.
type SubscriptionInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	CreatedAt      string   `json:"created_at,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
	AssetID        string   `json:"asset_id,omitempty"`
	DeploymentName string   `json:"deployment_name,omitempty"`
	Monitors       []string `json:"monitors,omitempty"`
}

// SubscriptionList represents a list of monitoring subscriptions
type SubscriptionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []SubscriptionInfo `json:"items"`
}

// GetObjectKind returns the object kind
func (l *SubscriptionList) GetObjectKind() schema.ObjectKind {
	return &l.TypeMeta
}

// DeepCopyObject creates a deep copy of the SubscriptionList
func (l *SubscriptionList) DeepCopyObject() runtime.Object {
	items := make([]SubscriptionInfo, len(l.Items))
	for i, item := range l.Items {
		item.Monitors = append([]string(nil), item.Monitors...)
		items[i] = item
	}
	return &SubscriptionList{TypeMeta: l.TypeMeta, ListMeta: l.ListMeta, Items: items}
}
