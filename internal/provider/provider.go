// Package provider implements the custom metrics provider the monitoring
// service calls on every evaluation run of a custom monitor.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
	"github.com/deepliif/mlops/internal/server"
)

// TimestampLayout is the measurement timestamp format, UTC with
// microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const (
	RunStatusFinished = "finished"
	RunStatusError    = "error"
)

// Values are the parameters of one evaluation run.
type Values struct {
	DataMartID                  string         `json:"data_mart_id"`
	SubscriptionID              string         `json:"subscription_id"`
	CustomMonitorID             string         `json:"custom_monitor_id"`
	CustomMonitorInstanceID     string         `json:"custom_monitor_instance_id"`
	CustomMonitorInstanceParams map[string]any `json:"custom_monitor_instance_params"`
}

// Request is the scoring payload sent by the monitoring service.
type Request struct {
	InputData []struct {
		Values Values `json:"values"`
	} `json:"input_data"`
}

type Prediction struct {
	Values []json.RawMessage `json:"values"`
}

// Response carries the published measurements, or the errors of the run.
type Response struct {
	Predictions []Prediction `json:"predictions"`
	ErrorMsg    []string     `json:"error_msg,omitempty"`
}

// Failed reports whether the run collected errors.
func (r Response) Failed() bool {
	return len(r.ErrorMsg) > 0
}

// Monitoring is the part of the monitoring service a run reports to.
type Monitoring interface {
	PublishMeasurements(ctx context.Context, instanceID string, measurements []openscale.MeasurementRequest) ([]byte, error)
	PatchMonitorInstance(ctx context.Context, instanceID string, parameters map[string]any) error
}

// DeploymentSource loads the deployment metadata document.
type DeploymentSource interface {
	Load(ctx context.Context) (map[string]metadata.Deployment, error)
}

// Service runs evaluations and reports them.
type Service struct {
	deployments DeploymentSource
	monitoring  func(dataMartID string) Monitoring
	calculators map[string]Calculator
	now         func() time.Time

	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewService creates a service. calculators is keyed by monitor
// definition id.
func NewService(deployments DeploymentSource, monitoring func(dataMartID string) Monitoring, calculators map[string]Calculator) *Service {
	s := &Service{
		deployments: deployments,
		monitoring:  monitoring,
		calculators: calculators,
		now:         time.Now,
		registry:    server.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: server.Namespace,
				Subsystem: "provider",
				Name:      "runs_total",
				Help:      "Total number of evaluation runs by monitor and status",
			},
			[]string{"monitor", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: server.Namespace,
				Subsystem: "provider",
				Name:      "run_duration_seconds",
				Help:      "Duration of evaluation runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"monitor"},
		),
	}
	s.registry.MustRegister(s.runs, s.duration)
	return s
}

// Handle runs one evaluation: compute the metrics, publish them, then
// record the run status on the monitor instance.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	if len(req.InputData) == 0 {
		return errorResponse([]string{"input_data is empty"})
	}
	v := req.InputData[0].Values

	start := s.now()
	timestamp := start.UTC().Format(TimestampLayout)

	params := v.CustomMonitorInstanceParams
	if params == nil {
		params = map[string]any{}
	}
	runDetails, _ := params["run_details"].(map[string]any)
	if runDetails == nil {
		runDetails = map[string]any{}
	}
	runID, _ := runDetails["run_id"].(string)
	if runID == "" {
		runID = uuid.NewString()
		runDetails["run_id"] = runID
	}

	logger := log.With("monitor", v.CustomMonitorID, "subscription", v.SubscriptionID, "run", runID)
	mon := s.monitoring(v.DataMartID)

	var errs []string
	var published []json.RawMessage

	body, err := s.publish(ctx, mon, v, timestamp, runID)
	if err != nil {
		logger.Error("evaluation run failed", "error", err)
		runDetails["run_status"] = RunStatusError
		runDetails["run_error_msg"] = err.Error()
		errs = append(errs, err.Error())
	} else {
		logger.Info("published measurements")
		runDetails["run_status"] = RunStatusFinished
		published = append(published, rawJSON(body))
	}

	params["run_details"] = runDetails
	params["last_run_time"] = timestamp
	if err := mon.PatchMonitorInstance(ctx, v.CustomMonitorInstanceID, params); err != nil {
		logger.Error("failed to record run status", "error", err)
		errs = append(errs, err.Error())
	}

	status := RunStatusFinished
	if len(errs) > 0 {
		status = RunStatusError
	}
	s.runs.WithLabelValues(v.CustomMonitorID, status).Inc()
	s.duration.WithLabelValues(v.CustomMonitorID).Observe(s.now().Sub(start).Seconds())

	if len(errs) > 0 {
		return errorResponse(errs)
	}
	return Response{Predictions: []Prediction{{Values: published}}}
}

func (s *Service) publish(ctx context.Context, mon Monitoring, v Values, timestamp, runID string) ([]byte, error) {
	scores, err := s.compute(ctx, v)
	if err != nil {
		return nil, err
	}

	return mon.PublishMeasurements(ctx, v.CustomMonitorInstanceID, []openscale.MeasurementRequest{{
		Timestamp: timestamp,
		RunID:     runID,
		Metrics:   []map[string]float64{scores},
	}})
}

func (s *Service) compute(ctx context.Context, v Values) (map[string]float64, error) {
	calc, ok := s.calculators[v.CustomMonitorID]
	if !ok {
		return nil, fmt.Errorf("no metrics calculator for monitor %s", v.CustomMonitorID)
	}

	entries, err := s.deployments.Load(ctx)
	if err != nil {
		return nil, err
	}
	_, entry, err := metadata.FindBySubscription(entries, v.SubscriptionID)
	if err != nil {
		return nil, err
	}

	settings, ok := entry.OpenScaleCustomMetricProvider[v.CustomMonitorID]
	if !ok {
		return nil, fmt.Errorf("monitor %s is not configured for model %s", v.CustomMonitorID, entry.ModelAsset)
	}
	return calc.Compute(ctx, settings)
}

func errorResponse(errs []string) Response {
	return Response{Predictions: []Prediction{}, ErrorMsg: errs}
}

func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("{}")
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}
	return body
}

// Registry returns the registry holding the service metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Router serves POST /score plus the common health and metrics endpoints.
func (s *Service) Router() chi.Router {
	r := server.NewRouter(s.registry)
	r.Post("/score", s.handleScore)
	return r
}

func (s *Service) handleScore(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteJSON(w, http.StatusBadRequest, errorResponse([]string{err.Error()}))
		return
	}

	resp := s.Handle(r.Context(), req)
	server.WriteJSON(w, http.StatusOK, resp)
}
