package openscale

// Metadata is the common resource header.
type Metadata struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// ServiceProvider is a machine learning provider registered with the
// monitoring service.
type ServiceProvider struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		Name               string `json:"name"`
		ServiceType        string `json:"service_type"`
		OperationalSpaceID string `json:"operational_space_id,omitempty"`
	} `json:"entity"`
}

// IntegratedSystem is an external system, such as a custom metrics
// provider endpoint.
type IntegratedSystem struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
	} `json:"entity"`
}

// MetricThreshold is a default threshold of a monitor metric.
type MetricThreshold struct {
	Type    string  `json:"type"`
	Default float64 `json:"default"`
}

// MonitorMetric is a metric of a monitor definition.
type MonitorMetric struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Thresholds []MetricThreshold `json:"thresholds,omitempty"`
}

// MonitorTag is a tag of a monitor definition.
type MonitorTag struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MonitorDefinition describes a custom monitor and its metrics.
type MonitorDefinition struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		Name    string          `json:"name"`
		Metrics []MonitorMetric `json:"metrics"`
		Tags    []MonitorTag    `json:"tags,omitempty"`
	} `json:"entity"`
}

// Target points a monitor instance at a subscription.
type Target struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// ThresholdOverride replaces the default threshold of a metric for one
// monitor instance.
type ThresholdOverride struct {
	MetricID string  `json:"metric_id"`
	Type     string  `json:"type"`
	Value    float64 `json:"value"`
}

// MonitorInstance is a monitor definition applied to a subscription.
type MonitorInstance struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		DataMartID          string              `json:"data_mart_id,omitempty"`
		MonitorDefinitionID string              `json:"monitor_definition_id"`
		Target              Target              `json:"target"`
		Parameters          map[string]any      `json:"parameters,omitempty"`
		Thresholds          []ThresholdOverride `json:"thresholds,omitempty"`
	} `json:"entity"`
}

// Subscription connects a deployment to the monitoring service.
type Subscription struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		ServiceProviderID string `json:"service_provider_id"`
		Asset             struct {
			AssetID string `json:"asset_id"`
			Name    string `json:"name"`
		} `json:"asset"`
		Deployment struct {
			DeploymentID string `json:"deployment_id"`
			Name         string `json:"name"`
		} `json:"deployment"`
	} `json:"entity"`
}

// MetricValue is a measured metric with the limits in force when it was
// measured.
type MetricValue struct {
	ID         string   `json:"id"`
	Value      float64  `json:"value"`
	LowerLimit *float64 `json:"lower_limit,omitempty"`
	UpperLimit *float64 `json:"upper_limit,omitempty"`
}

// Measurement is a single evaluation run result.
type Measurement struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		RunID      string `json:"run_id"`
		Timestamp  string `json:"timestamp"`
		IssueCount int    `json:"issue_count"`
		Values     []struct {
			Metrics []MetricValue `json:"metrics"`
		} `json:"values"`
	} `json:"entity"`
}

// MeasurementRequest is a set of metric values published for a run.
type MeasurementRequest struct {
	Timestamp string               `json:"timestamp"`
	RunID     string               `json:"run_id"`
	Metrics   []map[string]float64 `json:"metrics"`
}
