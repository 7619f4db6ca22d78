package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
	"github.com/deepliif/mlops/internal/volume"
)

type fakeVolume struct {
	files      map[string][]volume.Entry
	recent     map[string][]volume.Entry
	downloaded []string
	listed     []volume.ListOptions
}

func (f *fakeVolume) List(_ context.Context, dir string, opts volume.ListOptions) ([]volume.Entry, error) {
	f.listed = append(f.listed, opts)
	if opts.MostRecentDays > 0 {
		return f.recent[dir], nil
	}
	return f.files[dir], nil
}

func (f *fakeVolume) DownloadBatch(_ context.Context, sources []string, _ string) ([]string, error) {
	f.downloaded = append(f.downloaded, sources...)
	return sources, nil
}

func entries(names ...string) []volume.Entry {
	out := make([]volume.Entry, 0, len(names))
	for _, n := range names {
		out = append(out, volume.Entry{Path: n, Type: volume.File})
	}
	return out
}

func testVolume() *fakeVolume {
	return &fakeVolume{
		files: map[string][]volume.Entry{
			"gt":   entries("a.png", "b.png", "c.png", "d.png"),
			"pred": entries("a.png", "b.png", "c.png"),
		},
		recent: map[string][]volume.Entry{
			"gt":   entries("c.png", "d.png"),
			"pred": entries("c.png"),
		},
	}
}

func settings() metadata.MonitorSettings {
	return metadata.MonitorSettings{DirGT: "gt", DirPred: "pred", MostRecent: 7}
}

func TestParseScores(t *testing.T) {
	for _, tt := range []struct {
		name   string
		output string
		want   map[string]float64
	}{
		{
			name:   "metric lines",
			output: "Dice 0.81\nIOU 0.5\n",
			want:   map[string]float64{"dice": 0.81, "iou": 0.5},
		},
		{
			name:   "underscores allowed",
			output: "pixel_accuracy 0.9\n",
			want:   map[string]float64{"pixel_accuracy": 0.9},
		},
		{
			name:   "noise ignored",
			output: "loading images...\n123 4\n__ 1\nscore: 0.3\ndice nan-ish\n",
			want:   map[string]float64{},
		},
		{
			name:   "empty",
			output: "",
			want:   map[string]float64{},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseScores([]byte(tt.output)))
		})
	}
}

func TestGenericCompute(t *testing.T) {
	vol := testVolume()
	var asked string
	g := &Generic{Volumes: func(name string) Volume {
		asked = name
		return vol
	}}

	s := settings()
	s.VolumeDisplayName = "Results"
	scores, err := g.Compute(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, "Results", asked)
	assert.Equal(t, map[string]float64{
		"num_images_total_ground_truth":  4,
		"num_images_total_predicted":     3,
		"num_images_recent_ground_truth": 2,
		"num_images_recent_predicted":    1,
	}, scores)

	require.Len(t, vol.listed, 4)
	for _, opts := range vol.listed {
		assert.True(t, opts.Recursive)
	}
}

type fakeRunner struct {
	cmd    command.Command
	output string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd command.Command) (command.Result, error) {
	f.cmd = cmd
	return command.Result{Output: []byte(f.output)}, f.err
}

func TestSegmentationCompute(t *testing.T) {
	vol := testVolume()
	runner := &fakeRunner{output: "computing...\nDice 0.75\nAJI 0.5\n"}
	workDir := t.TempDir()

	s := &Segmentation{
		Volumes:  func(string) Volume { return vol },
		Runner:   runner,
		Script:   []string{"python", "ComputeStatistics.py"},
		WorkDir:  workDir,
		MinFiles: 2,
	}

	scores, err := s.Compute(context.Background(), settings())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"dice": 0.75, "aji": 0.5}, scores)

	assert.Equal(t, []string{"gt/c.png", "gt/d.png", "pred/c.png"}, vol.downloaded)
	require.Len(t, vol.listed, 2)
	assert.True(t, vol.listed[0].Recursive)
	assert.True(t, vol.listed[1].Recursive)
	assert.Equal(t, "python", runner.cmd.Name)
	assert.Equal(t, "ComputeStatistics.py", runner.cmd.Args[0])
	assert.Contains(t, runner.cmd.Args, "--gt_path")
	assert.Contains(t, runner.cmd.Args, "--output_path")
	assert.Equal(t, workDir, runner.cmd.Dir)

	log, err := os.ReadFile(filepath.Join(workDir, "scores.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "Dice 0.75")

	left, err := filepath.Glob(filepath.Join(workDir, "evaluation-*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSegmentationNeedsRecentFiles(t *testing.T) {
	runner := &fakeRunner{}
	s := &Segmentation{
		Volumes:  func(string) Volume { return testVolume() },
		Runner:   runner,
		Script:   []string{"python", "ComputeStatistics.py"},
		WorkDir:  t.TempDir(),
		MinFiles: 3,
	}

	_, err := s.Compute(context.Background(), settings())
	assert.EqualError(t, err, "FAILED: Needs at least 3 newly created files in the past 7 days to run the evaluation, currently only 2 files can be found.")
	assert.Empty(t, runner.cmd.Name)
}

func TestSegmentationScriptFailure(t *testing.T) {
	s := &Segmentation{
		Volumes: func(string) Volume { return testVolume() },
		Runner:  &fakeRunner{err: errors.New("exit status 1")},
		Script:  []string{"python", "ComputeStatistics.py"},
		WorkDir: t.TempDir(),
	}

	_, err := s.Compute(context.Background(), settings())
	assert.ErrorContains(t, err, "failed to compute statistics")
}

func TestNewCalculators(t *testing.T) {
	g, s := &Generic{}, &Segmentation{}

	calcs, err := NewCalculators(map[string]string{"m1": KindGeneric, "m2": KindSegmentation}, g, s)
	require.NoError(t, err)
	assert.Same(t, g, calcs["m1"])
	assert.Same(t, s, calcs["m2"])

	_, err = NewCalculators(map[string]string{"m3": "accuracy"}, g, s)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

type fakeDeployments struct {
	entries map[string]metadata.Deployment
	err     error
}

func (f *fakeDeployments) Load(context.Context) (map[string]metadata.Deployment, error) {
	return f.entries, f.err
}

type fakeMonitoring struct {
	published  []openscale.MeasurementRequest
	patched    map[string]any
	publishErr error
	patchErr   error
}

func (f *fakeMonitoring) PublishMeasurements(_ context.Context, _ string, m []openscale.MeasurementRequest) ([]byte, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, m...)
	return []byte(`[{"measurement_id":"m-1"}]`), nil
}

func (f *fakeMonitoring) PatchMonitorInstance(_ context.Context, _ string, parameters map[string]any) error {
	f.patched = parameters
	return f.patchErr
}

type staticCalculator map[string]float64

func (c staticCalculator) Compute(context.Context, metadata.MonitorSettings) (map[string]float64, error) {
	return c, nil
}

func testService(mon *fakeMonitoring, deployments *fakeDeployments) *Service {
	s := NewService(deployments, func(string) Monitoring { return mon }, map[string]Calculator{
		"generic_metrics": staticCalculator{"num_images_total_ground_truth": 4},
	})
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC) }
	return s
}

func monitoredDeployments() *fakeDeployments {
	return &fakeDeployments{entries: map[string]metadata.Deployment{
		"model-1": {
			ModelAsset:              "model-1",
			OpenScaleSubscriptionID: "sub-1",
			OpenScaleCustomMetricProvider: map[string]metadata.MonitorSettings{
				"generic_metrics": settings(),
			},
		},
	}}
}

func scoreRequest(monitorID string, params map[string]any) Request {
	var req Request
	req.InputData = append(req.InputData, struct {
		Values Values `json:"values"`
	}{Values: Values{
		DataMartID:                  "dm-1",
		SubscriptionID:              "sub-1",
		CustomMonitorID:             monitorID,
		CustomMonitorInstanceID:     "instance-1",
		CustomMonitorInstanceParams: params,
	}})
	return req
}

func TestHandlePublishes(t *testing.T) {
	mon := &fakeMonitoring{}
	s := testService(mon, monitoredDeployments())

	resp := s.Handle(context.Background(), scoreRequest("generic_metrics", map[string]any{
		"run_details": map[string]any{"run_id": "run-1"},
	}))

	require.False(t, resp.Failed())
	require.Len(t, resp.Predictions, 1)
	assert.JSONEq(t, `[{"measurement_id":"m-1"}]`, string(resp.Predictions[0].Values[0]))

	require.Len(t, mon.published, 1)
	assert.Equal(t, "2024-03-01T12:00:00.123456Z", mon.published[0].Timestamp)
	assert.Equal(t, "run-1", mon.published[0].RunID)
	assert.Equal(t, 4.0, mon.published[0].Metrics[0]["num_images_total_ground_truth"])

	assert.Equal(t, "2024-03-01T12:00:00.123456Z", mon.patched["last_run_time"])
	details := mon.patched["run_details"].(map[string]any)
	assert.Equal(t, RunStatusFinished, details["run_status"])

	assert.Equal(t, 1.0, testutil.ToFloat64(s.runs.WithLabelValues("generic_metrics", RunStatusFinished)))
}

func TestHandleGeneratesRunID(t *testing.T) {
	mon := &fakeMonitoring{}
	s := testService(mon, monitoredDeployments())

	resp := s.Handle(context.Background(), scoreRequest("generic_metrics", nil))
	require.False(t, resp.Failed())

	details := mon.patched["run_details"].(map[string]any)
	assert.NotEmpty(t, details["run_id"])
	assert.Equal(t, details["run_id"], mon.published[0].RunID)
}

func TestHandleErrors(t *testing.T) {
	for _, tt := range []struct {
		name        string
		monitorID   string
		mon         *fakeMonitoring
		deployments *fakeDeployments
		want        string
	}{
		{
			name:        "unknown monitor",
			monitorID:   "accuracy",
			mon:         &fakeMonitoring{},
			deployments: monitoredDeployments(),
			want:        "no metrics calculator for monitor accuracy",
		},
		{
			name:        "unknown subscription",
			monitorID:   "generic_metrics",
			mon:         &fakeMonitoring{},
			deployments: &fakeDeployments{entries: map[string]metadata.Deployment{}},
			want:        "cannot find deployment associated with subscription id sub-1",
		},
		{
			name:        "publish failure",
			monitorID:   "generic_metrics",
			mon:         &fakeMonitoring{publishErr: errors.New("forbidden")},
			deployments: monitoredDeployments(),
			want:        "forbidden",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := testService(tt.mon, tt.deployments)

			resp := s.Handle(context.Background(), scoreRequest(tt.monitorID, nil))
			require.True(t, resp.Failed())
			assert.Empty(t, resp.Predictions)
			assert.Contains(t, resp.ErrorMsg[0], tt.want)

			details := tt.mon.patched["run_details"].(map[string]any)
			assert.Equal(t, RunStatusError, details["run_status"])
			assert.Contains(t, details["run_error_msg"], tt.want)
		})
	}
}

func TestHandlePatchFailure(t *testing.T) {
	mon := &fakeMonitoring{patchErr: errors.New("not found")}
	s := testService(mon, monitoredDeployments())

	resp := s.Handle(context.Background(), scoreRequest("generic_metrics", nil))
	require.True(t, resp.Failed())
	assert.Equal(t, []string{"not found"}, resp.ErrorMsg)
}

func TestHandleEmptyInput(t *testing.T) {
	s := testService(&fakeMonitoring{}, monitoredDeployments())
	resp := s.Handle(context.Background(), Request{})
	assert.Equal(t, []string{"input_data is empty"}, resp.ErrorMsg)
}

func TestScoreEndpoint(t *testing.T) {
	mon := &fakeMonitoring{}
	srv := httptest.NewServer(testService(mon, monitoredDeployments()).Router())
	defer srv.Close()

	body, err := json.Marshal(scoreRequest("generic_metrics", nil))
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/score", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Failed())
	assert.Len(t, mon.published, 1)

	bad, err := http.Post(srv.URL+"/score", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
