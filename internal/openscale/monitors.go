package openscale

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cpd"
	"github.com/deepliif/mlops/internal/metadata"
)

// MonitorDefinitions lists every monitor definition.
func (c *Client) MonitorDefinitions(ctx context.Context) ([]MonitorDefinition, error) {
	var out struct {
		MonitorDefinitions []MonitorDefinition `json:"monitor_definitions"`
	}
	if err := c.get(ctx, "/monitor_definitions", &out, nil); err != nil {
		return nil, fmt.Errorf("failed to list monitor definitions: %w", err)
	}
	return out.MonitorDefinitions, nil
}

func (c *Client) findDefinitions(ctx context.Context, match func(MonitorDefinition) bool) ([]MonitorDefinition, error) {
	defs, err := c.MonitorDefinitions(ctx)
	if err != nil {
		return nil, err
	}

	var found []MonitorDefinition
	for _, d := range defs {
		if match(d) {
			found = append(found, d)
		}
	}
	return found, nil
}

func single(found []MonitorDefinition, what string) (MonitorDefinition, error) {
	switch len(found) {
	case 0:
		return MonitorDefinition{}, fmt.Errorf("monitor definition %s: %w", what, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return MonitorDefinition{}, fmt.Errorf("found %d monitor definitions for %s: %w", len(found), what, ErrAmbiguous)
	}
}

// MonitorDefinition returns the definition with the given id.
func (c *Client) MonitorDefinition(ctx context.Context, id string) (MonitorDefinition, error) {
	found, err := c.findDefinitions(ctx, func(d MonitorDefinition) bool { return d.Metadata.ID == id })
	if err != nil {
		return MonitorDefinition{}, err
	}
	return single(found, id)
}

// MonitorDefinitionByName returns the definition with the given name.
func (c *Client) MonitorDefinitionByName(ctx context.Context, name string) (MonitorDefinition, error) {
	found, err := c.findDefinitions(ctx, func(d MonitorDefinition) bool { return d.Entity.Name == name })
	if err != nil {
		return MonitorDefinition{}, err
	}
	return single(found, name)
}

// MonitorIDByName returns the id of the definition named name.
func (c *Client) MonitorIDByName(ctx context.Context, name string) (string, error) {
	def, err := c.MonitorDefinitionByName(ctx, name)
	if err != nil {
		return "", err
	}
	return def.Metadata.ID, nil
}

// CreateMonitorDefinition creates a custom monitor from metric defaults and
// returns its id. An existing definition with the same name is returned
// unless overwrite is set, in which case it is deleted and recreated. Tags
// are sent only when every metric has one.
func (c *Client) CreateMonitorDefinition(ctx context.Context, name string, defaults map[string]metadata.MetricSettings, overwrite bool) (string, error) {
	existing, err := c.MonitorDefinitionByName(ctx, name)
	switch {
	case err == nil && !overwrite:
		log.Info("found monitor definition", "name", name, "id", existing.Metadata.ID)
		return existing.Metadata.ID, nil
	case err == nil:
		if err := c.deleteDefinition(ctx, existing.Metadata.ID); err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.settle):
		}
	case !isNotFound(err):
		return "", err
	}

	names := metadata.SortedKeys(defaults)
	metrics := make([]MonitorMetric, 0, len(names))
	var tags []MonitorTag
	for _, metric := range names {
		s := defaults[metric]
		metrics = append(metrics, MonitorMetric{
			Name:       metric,
			Thresholds: []MetricThreshold{{Type: s.Threshold.Type.Limit(), Default: s.Threshold.Value}},
		})
		if len(s.Tag) == 2 {
			tags = append(tags, MonitorTag{Name: s.Tag[0], Description: s.Tag[1]})
		}
	}
	if len(tags) > 0 && len(tags) < len(metrics) {
		log.Warn("not every metric has a tag, dropping all tags", "monitor", name)
		tags = nil
	}

	var created MonitorDefinition
	err = c.post(ctx, "/monitor_definitions", map[string]any{
		"name":    name,
		"metrics": metrics,
		"tags":    tags,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("failed to create monitor definition %s: %w", name, err)
	}

	log.Info("created monitor definition", "name", name, "id", created.Metadata.ID)
	return created.Metadata.ID, nil
}

// DeleteMonitorDefinition removes the definition named name, if any.
func (c *Client) DeleteMonitorDefinition(ctx context.Context, name string) error {
	id, err := c.MonitorIDByName(ctx, name)
	if isNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	return c.deleteDefinition(ctx, id)
}

func (c *Client) deleteDefinition(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/monitor_definitions/"+id); err != nil {
		return fmt.Errorf("failed to delete monitor definition %s: %w", id, err)
	}
	log.Info("deleted monitor definition", "id", id)
	return nil
}

// DefaultThresholds returns the default threshold of every metric of a
// definition, in the shape the deployment metadata uses.
func (c *Client) DefaultThresholds(ctx context.Context, monitorID string) (map[string]metadata.MetricSettings, error) {
	def, err := c.MonitorDefinition(ctx, monitorID)
	if err != nil {
		return nil, err
	}

	out := map[string]metadata.MetricSettings{}
	for _, m := range def.Entity.Metrics {
		if len(m.Thresholds) == 0 {
			continue
		}
		typ, err := metadata.ParseLimit(m.Thresholds[0].Type)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		out[m.Name] = metadata.MetricSettings{Threshold: metadata.Threshold{Value: m.Thresholds[0].Default, Type: typ}}
	}
	return out, nil
}

// MetricIDs returns the metric name to id and id to name maps of a
// definition.
func (c *Client) MetricIDs(ctx context.Context, monitorID string) (map[string]string, map[string]string, error) {
	def, err := c.MonitorDefinition(ctx, monitorID)
	if err != nil {
		return nil, nil, err
	}

	byName := map[string]string{}
	byID := map[string]string{}
	for _, m := range def.Entity.Metrics {
		byName[m.Name] = m.ID
		byID[m.ID] = m.Name
	}
	return byName, byID, nil
}

// ThresholdOverrides converts the thresholds configured for monitorID in a
// deployment entry into instance overrides.
func (c *Client) ThresholdOverrides(ctx context.Context, deployment metadata.Deployment, monitorID string) ([]ThresholdOverride, error) {
	settings, ok := deployment.OpenScaleCustomMetricProvider[monitorID]
	if !ok {
		return nil, fmt.Errorf("monitor %s is not configured for model %s: %w", monitorID, deployment.ModelAsset, ErrNotFound)
	}

	byName, _, err := c.MetricIDs(ctx, monitorID)
	if err != nil {
		return nil, err
	}

	return thresholdOverrides(settings.Thresholds, byName, monitorID)
}

func thresholdOverrides(thresholds map[string]metadata.MetricSettings, byName map[string]string, monitorID string) ([]ThresholdOverride, error) {
	var out []ThresholdOverride
	for _, metric := range metadata.SortedKeys(thresholds) {
		id, ok := byName[metric]
		if !ok {
			return nil, fmt.Errorf("metric %s cannot be found in monitor %s", metric, monitorID)
		}
		t := thresholds[metric].Threshold
		out = append(out, ThresholdOverride{MetricID: id, Type: t.Type.Limit(), Value: t.Value})
	}
	return out, nil
}

// MonitorInstances lists every monitor instance.
func (c *Client) MonitorInstances(ctx context.Context) ([]MonitorInstance, error) {
	var out struct {
		MonitorInstances []MonitorInstance `json:"monitor_instances"`
	}
	if err := c.get(ctx, "/monitor_instances", &out, nil); err != nil {
		return nil, fmt.Errorf("failed to list monitor instances: %w", err)
	}
	return out.MonitorInstances, nil
}

// MonitorInstance returns the instance of monitorID that targets
// subscriptionID.
func (c *Client) MonitorInstance(ctx context.Context, monitorID, subscriptionID string) (MonitorInstance, error) {
	instances, err := c.MonitorInstances(ctx)
	if err != nil {
		return MonitorInstance{}, err
	}

	var found []MonitorInstance
	for _, i := range instances {
		if i.Entity.MonitorDefinitionID == monitorID && i.Entity.Target.TargetID == subscriptionID {
			found = append(found, i)
		}
	}

	switch len(found) {
	case 0:
		return MonitorInstance{}, fmt.Errorf("instance of monitor %s for subscription %s: %w", monitorID, subscriptionID, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return MonitorInstance{}, fmt.Errorf("found %d instances of monitor %s for subscription %s: %w", len(found), monitorID, subscriptionID, ErrAmbiguous)
	}
}

func providerParameters(integratedSystemID string, waitTime int) map[string]any {
	return map[string]any{
		"custom_metrics_provider_id": integratedSystemID,
		"custom_metrics_wait_time":   waitTime,
	}
}

// PatchMonitorInstance replaces the parameters of a monitor instance.
func (c *Client) PatchMonitorInstance(ctx context.Context, instanceID string, parameters map[string]any) error {
	patch := []map[string]any{{
		"op":    "replace",
		"path":  "/parameters",
		"value": parameters,
	}}

	_, err := c.api.Do(ctx, http.MethodPatch, c.path("/monitor_instances/"+instanceID),
		cpd.Query(url.Values{"update_metadata_only": {"true"}}),
		cpd.JSONBody(patch),
		cpd.Accept(http.StatusOK, http.StatusAccepted))
	if err != nil {
		return fmt.Errorf("failed to update monitor instance %s: %w", instanceID, err)
	}
	return nil
}

// MonitorInstanceOptions describe the instance of a custom monitor.
type MonitorInstanceOptions struct {
	MonitorID          string
	SubscriptionID     string
	IntegratedSystemID string
	WaitTime           int
	Thresholds         []ThresholdOverride
}

// CreateMonitorInstance creates the instance of a custom monitor for a
// subscription. When one exists already only its provider parameters are
// updated. It returns the instance id.
func (c *Client) CreateMonitorInstance(ctx context.Context, opts MonitorInstanceOptions) (string, error) {
	params := providerParameters(opts.IntegratedSystemID, opts.WaitTime)

	existing, err := c.MonitorInstance(ctx, opts.MonitorID, opts.SubscriptionID)
	if err == nil {
		log.Info("updating existing monitor instance", "monitor", opts.MonitorID, "id", existing.Metadata.ID)
		return existing.Metadata.ID, c.PatchMonitorInstance(ctx, existing.Metadata.ID, params)
	} else if !isNotFound(err) {
		return "", err
	}

	var created MonitorInstance
	err = c.post(ctx, "/monitor_instances", map[string]any{
		"data_mart_id":          c.dataMartID,
		"monitor_definition_id": opts.MonitorID,
		"target":                Target{TargetType: TargetSubscription, TargetID: opts.SubscriptionID},
		"parameters":            params,
		"thresholds":            opts.Thresholds,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("failed to create instance of monitor %s: %w", opts.MonitorID, err)
	}

	log.Info("created monitor instance", "monitor", opts.MonitorID, "id", created.Metadata.ID)
	return created.Metadata.ID, nil
}

// InstancesBySubscription groups monitor definition ids by the
// subscription their instances target.
func InstancesBySubscription(instances []MonitorInstance) map[string][]string {
	out := map[string][]string{}
	for _, i := range instances {
		out[i.Entity.Target.TargetID] = append(out[i.Entity.Target.TargetID], i.Entity.MonitorDefinitionID)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}
