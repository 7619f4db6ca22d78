package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DeploymentFile holds one entry per model asset id.
	DeploymentFile = "deployment_metadata.yml"
	// MonitorFile holds one entry per custom monitor id.
	MonitorFile = "monitor_metadata.yml"
)

// Deployment is a single entry of the deployment metadata document.
type Deployment struct {
	ModelAsset                    string                     `yaml:"model_asset" json:"model_asset"`
	ModelName                     string                     `yaml:"model_name" json:"model_name"`
	DeploymentID                  string                     `yaml:"deployment_id" json:"deployment_id"`
	DeploymentSpaceID             string                     `yaml:"deployment_space_id" json:"deployment_space_id"`
	OpenScaleSubscriptionID       string                     `yaml:"openscale_subscription_id" json:"openscale_subscription_id"`
	OpenScaleCustomMetricProvider map[string]MonitorSettings `yaml:"openscale_custom_metric_provider" json:"openscale_custom_metric_provider"`
	WMLADeployment                WMLADeployment             `yaml:"wmla_deployment" json:"wmla_deployment"`
}

// WMLADeployment describes the live inference endpoint of a model.
type WMLADeployment struct {
	DeploymentName     string         `yaml:"deployment_name" json:"deployment_name"`
	DeploymentURL      string         `yaml:"deployment_url" json:"deployment_url"`
	DependencyFilename string         `yaml:"dependency_filename" json:"dependency_filename"`
	ResourceConfigs    map[string]any `yaml:"resource_configs" json:"resource_configs"`
}

// MonitorSettings configures one custom monitor for a deployment. The key
// it is stored under is the monitor definition id.
type MonitorSettings struct {
	DirGT             string                    `yaml:"dir_gt,omitempty" json:"dir_gt,omitempty"`
	DirPred           string                    `yaml:"dir_pred,omitempty" json:"dir_pred,omitempty"`
	MostRecent        int                       `yaml:"most_recent,omitempty" json:"most_recent,omitempty"`
	VolumeDisplayName string                    `yaml:"volume_display_name,omitempty" json:"volume_display_name,omitempty"`
	WaitTime          int                       `yaml:"metrics_wait_time,omitempty" json:"metrics_wait_time,omitempty"`
	Thresholds        map[string]MetricSettings `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// MetricSettings is the threshold and optional tag of a single metric.
type MetricSettings struct {
	Threshold Threshold `yaml:"threshold" json:"threshold"`
	Tag       []string  `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// ThresholdType tells whether a threshold bounds a metric from below or
// from above.
type ThresholdType string

const (
	LowerLimit ThresholdType = "lower"
	UpperLimit ThresholdType = "upper"
)

// Limit returns the monitoring service name of the threshold type.
func (t ThresholdType) Limit() string {
	return string(t) + "_limit"
}

// ParseLimit converts "lower_limit" or "lower" into a ThresholdType.
func ParseLimit(s string) (ThresholdType, error) {
	switch t := ThresholdType(strings.TrimSuffix(s, "_limit")); t {
	case LowerLimit, UpperLimit:
		return t, nil
	default:
		return "", fmt.Errorf("unknown threshold type %q", s)
	}
}

// Threshold is written as a two element list: [value, lower|upper].
type Threshold struct {
	Value float64
	Type  ThresholdType
}

func (t Threshold) MarshalYAML() (interface{}, error) {
	return []interface{}{t.Value, string(t.Type)}, nil
}

func (t *Threshold) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: threshold must be a list of [value, lower|upper]", node.Line)
	}

	var value float64
	if err := node.Content[0].Decode(&value); err != nil {
		return fmt.Errorf("line %d: invalid threshold value: %w", node.Line, err)
	}

	typ, err := ParseLimit(node.Content[1].Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	t.Value = value
	t.Type = typ
	return nil
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{t.Value, string(t.Type)})
}

// Monitor is a single entry of the monitor metadata document.
type Monitor struct {
	IntegratedSystemID string `yaml:"integrated_system_id" json:"integrated_system_id"`
	WMLDeploymentID    string `yaml:"wml_deployment_id" json:"wml_deployment_id"`
}
