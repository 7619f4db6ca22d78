package workflows

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/archive"
	"github.com/deepliif/mlops/internal/edi"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
)

func TestTaskFlowShortCircuits(t *testing.T) {
	tf := NewTaskFlow(context.Background(), "test")

	var ran []string
	first := tf.NewStep("first", func(context.Context) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	second := tf.NewStep("second", func(context.Context) error {
		ran = append(ran, "second")
		return nil
	})
	first.Precede(second)

	err := tf.Run(2)
	assert.ErrorContains(t, err, "first: boom")
	assert.Equal(t, []string{"first"}, ran)
	assert.Equal(t, []string{"second"}, tf.Skipped())
}

func TestTaskFlowParallelSteps(t *testing.T) {
	tf := NewTaskFlow(context.Background(), "test")

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, name)
			return nil
		}
	}

	tf.NewParallelSteps("fan-out", map[string]func(context.Context) error{
		"a": record("a"),
		"b": record("b"),
		"c": record("c"),
	})

	require.NoError(t, tf.Run(4))
	sort.Strings(ran)
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestTaskFlowCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tf := NewTaskFlow(ctx, "test")
	tf.NewStep("never", func(context.Context) error {
		assert.Fail(t, "step must not run")
		return nil
	})

	assert.ErrorIs(t, tf.Run(1), context.Canceled)
}

type fakeDeployer struct {
	calls  []string
	failOn string
}

func (f *fakeDeployer) record(call string) error {
	f.calls = append(f.calls, call)
	if call == f.failOn {
		return errors.New(call + " failed")
	}
	return nil
}

func (f *fakeDeployer) Deploy(_ context.Context, dir string) error {
	return f.record("deploy " + filepath.Base(dir))
}

func (f *fakeDeployer) Start(_ context.Context, name string) error {
	return f.record("start " + name)
}

func (f *fakeDeployer) WaitForIdle(_ context.Context, name string) error {
	return f.record("wait " + name)
}

type fakeAssets struct {
	bundle string
}

func (f *fakeAssets) Download(_ context.Context, name, target string) (string, error) {
	data, err := os.ReadFile(f.bundle)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(target, name)
	return dst, os.WriteFile(dst, data, 0o644)
}

func dependencyBundle(t *testing.T) string {
	t.Helper()

	src := filepath.Join(t.TempDir(), "dependency")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "kernel.py"), []byte("#!/usr/bin/env python\n"), 0o644))

	bundle := filepath.Join(t.TempDir(), "dependency.zip")
	require.NoError(t, archive.ZipDir(src, bundle))
	return bundle
}

func deployOptions(t *testing.T, cli Deployer) DeployOptions {
	return DeployOptions{
		Entry: metadata.Deployment{
			ModelAsset:     "model.zip",
			ModelName:      "DeepLIIF model",
			WMLADeployment: metadata.WMLADeployment{DependencyFilename: "dependency.zip"},
		},
		Package: edi.PackageOptions{DeploymentName: "deepliif", WorkDir: t.TempDir()},
		Assets:  &fakeAssets{bundle: dependencyBundle(t)},
		CLI:     cli,
	}
}

func TestDeployWorkflow(t *testing.T) {
	cli := &fakeDeployer{}

	err := CreateDeployWorkflow(context.Background(), deployOptions(t, cli)).Run(4)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy deepliif", "start deepliif", "wait deepliif"}, cli.calls)
}

func TestDeployWorkflowStopsOnFailure(t *testing.T) {
	cli := &fakeDeployer{failOn: "start deepliif"}

	tf := CreateDeployWorkflow(context.Background(), deployOptions(t, cli))
	err := tf.Run(4)
	assert.ErrorContains(t, err, "start-deployment: start deepliif failed")
	assert.Equal(t, []string{"deploy deepliif", "start deepliif"}, cli.calls)
	assert.Equal(t, []string{"wait-for-idle"}, tf.Skipped())
}

type fakeMonitoring struct {
	mu        sync.Mutex
	instances []openscale.MonitorInstanceOptions
	subErr    error
}

func (f *fakeMonitoring) CreateServiceProvider(_ context.Context, opts openscale.ServiceProviderOptions) ([]string, error) {
	return []string{"sp-" + opts.Name}, nil
}

func (f *fakeMonitoring) CreateSubscription(_ context.Context, opts openscale.SubscriptionOptions) (string, error) {
	if f.subErr != nil {
		return "", f.subErr
	}
	if opts.ServiceProviderID != "sp-headless" || opts.Name != "deepliif Monitor" {
		return "", errors.New("unexpected subscription options")
	}
	return "sub-1", nil
}

func (f *fakeMonitoring) ThresholdOverrides(_ context.Context, _ metadata.Deployment, monitorID string) ([]openscale.ThresholdOverride, error) {
	return []openscale.ThresholdOverride{{MetricID: monitorID + "-metric", Type: "lower_limit", Value: 0.5}}, nil
}

func (f *fakeMonitoring) CreateMonitorInstance(_ context.Context, opts openscale.MonitorInstanceOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = append(f.instances, opts)
	return "instance-" + opts.MonitorID, nil
}

type fakeDeployments struct {
	entries map[string]metadata.Deployment
}

func (f *fakeDeployments) Modify(_ context.Context, key string, fn func(*metadata.Deployment) error) error {
	entry, ok := f.entries[key]
	if !ok {
		return metadata.ErrNotFound
	}
	if err := fn(&entry); err != nil {
		return err
	}
	f.entries[key] = entry
	return nil
}

func monitoredEntry() metadata.Deployment {
	return metadata.Deployment{
		ModelAsset: "model-1",
		OpenScaleCustomMetricProvider: map[string]metadata.MonitorSettings{
			"generic_metrics":      {WaitTime: 60},
			"segmentation_metrics": {WaitTime: 120},
		},
		WMLADeployment: metadata.WMLADeployment{DeploymentName: "deepliif", DeploymentURL: "https://wmla/dlim/v1/inference/deepliif"},
	}
}

func TestMonitorWorkflow(t *testing.T) {
	service := &fakeMonitoring{}
	deployments := &fakeDeployments{entries: map[string]metadata.Deployment{"model-1": monitoredEntry()}}

	tf, err := CreateMonitorWorkflow(context.Background(), MonitorOptions{
		ModelAssetID:        "model-1",
		Entry:               monitoredEntry(),
		ServiceProviderName: "headless",
		Monitors: map[string]metadata.Monitor{
			"generic_metrics":      {IntegratedSystemID: "is-1"},
			"segmentation_metrics": {IntegratedSystemID: "is-2"},
		},
		Service:     service,
		Deployments: deployments,
	})
	require.NoError(t, err)
	require.NoError(t, tf.Run(4))

	assert.Equal(t, "sub-1", deployments.entries["model-1"].OpenScaleSubscriptionID)

	require.Len(t, service.instances, 2)
	sort.Slice(service.instances, func(i, j int) bool { return service.instances[i].MonitorID < service.instances[j].MonitorID })
	assert.Equal(t, "is-1", service.instances[0].IntegratedSystemID)
	assert.Equal(t, 60, service.instances[0].WaitTime)
	assert.Equal(t, "sub-1", service.instances[1].SubscriptionID)
	assert.Equal(t, "segmentation_metrics-metric", service.instances[1].Thresholds[0].MetricID)
}

func TestMonitorWorkflowSubscriptionFailure(t *testing.T) {
	service := &fakeMonitoring{subErr: errors.New("unauthorized")}
	deployments := &fakeDeployments{entries: map[string]metadata.Deployment{"model-1": monitoredEntry()}}

	tf, err := CreateMonitorWorkflow(context.Background(), MonitorOptions{
		ModelAssetID:        "model-1",
		Entry:               monitoredEntry(),
		ServiceProviderName: "headless",
		Monitors: map[string]metadata.Monitor{
			"generic_metrics":      {IntegratedSystemID: "is-1"},
			"segmentation_metrics": {IntegratedSystemID: "is-2"},
		},
		Service:     service,
		Deployments: deployments,
	})
	require.NoError(t, err)

	assert.ErrorContains(t, tf.Run(4), "unauthorized")
	assert.Empty(t, service.instances)
	assert.Empty(t, deployments.entries["model-1"].OpenScaleSubscriptionID)
}

func TestMonitorWorkflowValidation(t *testing.T) {
	_, err := CreateMonitorWorkflow(context.Background(), MonitorOptions{ModelAssetID: "model-1"})
	assert.ErrorContains(t, err, "is not deployed")

	_, err = CreateMonitorWorkflow(context.Background(), MonitorOptions{ModelAssetID: "model-1", Entry: monitoredEntry()})
	assert.ErrorContains(t, err, "has no integrated system")
}
