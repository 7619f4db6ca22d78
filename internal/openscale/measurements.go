package openscale

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/deepliif/mlops/internal/cpd"
	"github.com/deepliif/mlops/internal/metadata"
)

// Measurements returns the most recent measurements of a monitor on a
// subscription, newest first.
func (c *Client) Measurements(ctx context.Context, subscriptionID, monitorID string, recent int) ([]Measurement, error) {
	var out struct {
		Measurements []Measurement `json:"measurements"`
	}
	query := url.Values{
		"target_id":             {subscriptionID},
		"target_type":           {TargetSubscription},
		"monitor_definition_id": {monitorID},
		"recent_count":          {strconv.Itoa(recent)},
	}
	if err := c.get(ctx, "/measurements", &out, query); err != nil {
		return nil, fmt.Errorf("failed to query measurements of monitor %s: %w", monitorID, err)
	}
	return out.Measurements, nil
}

// PublishMeasurements posts metric values to a monitor instance and returns
// the raw response of the service.
func (c *Client) PublishMeasurements(ctx context.Context, instanceID string, measurements []MeasurementRequest) ([]byte, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, c.path("/monitor_instances/"+instanceID+"/measurements"),
		cpd.JSONBody(measurements),
		cpd.Accept(http.StatusOK, http.StatusCreated, http.StatusAccepted))
	if err != nil {
		return nil, fmt.Errorf("failed to publish measurements to %s: %w", instanceID, err)
	}
	return resp.Body, nil
}

// Violation is a metric value outside its threshold.
type Violation struct {
	MetricID string
	Name     string
	Value    float64
	Limit    float64
	Type     metadata.ThresholdType
}

func (v Violation) String() string {
	direction := "lower"
	if v.Type == metadata.UpperLimit {
		direction = "higher"
	}
	return fmt.Sprintf("%s: value %.4g %s than threshold %g", v.Name, v.Value, direction, v.Limit)
}

// Violations returns the metrics of a measurement that break their
// limits, sorted by metric name. Unknown metric ids are reported by id.
func Violations(m Measurement, names map[string]string) []Violation {
	var out []Violation
	for _, values := range m.Entity.Values {
		for _, metric := range values.Metrics {
			name := names[metric.ID]
			if name == "" {
				name = metric.ID
			}
			if metric.LowerLimit != nil && metric.Value < *metric.LowerLimit {
				out = append(out, Violation{MetricID: metric.ID, Name: name, Value: metric.Value, Limit: *metric.LowerLimit, Type: metadata.LowerLimit})
			}
			if metric.UpperLimit != nil && metric.Value > *metric.UpperLimit {
				out = append(out, Violation{MetricID: metric.ID, Name: name, Value: metric.Value, Limit: *metric.UpperLimit, Type: metadata.UpperLimit})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
