package resources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/assets"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/openscale"
)

type fakeSource struct {
	deployments map[string]metadata.Deployment
	assets      []assets.Asset
	subs        []openscale.Subscription
	instances   []openscale.MonitorInstance
	listOpts    assets.ListOptions
	err         error
}

func (f *fakeSource) Deployments(context.Context) (map[string]metadata.Deployment, error) {
	return f.deployments, f.err
}

func (f *fakeSource) Assets(_ context.Context, opts assets.ListOptions) ([]assets.Asset, error) {
	f.listOpts = opts
	return f.assets, f.err
}

func (f *fakeSource) Subscriptions(context.Context) ([]openscale.Subscription, error) {
	return f.subs, f.err
}

func (f *fakeSource) MonitorInstances(context.Context) ([]openscale.MonitorInstance, error) {
	return f.instances, f.err
}

func deployment(model, name string, monitors ...string) metadata.Deployment {
	d := metadata.Deployment{ModelAsset: model}
	d.WMLADeployment.DeploymentName = name
	d.WMLADeployment.DependencyFilename = "dependency.zip"
	d.OpenScaleCustomMetricProvider = map[string]metadata.MonitorSettings{}
	for _, m := range monitors {
		d.OpenScaleCustomMetricProvider[m] = metadata.MonitorSettings{}
	}
	return d
}

func subscription(id, name string) openscale.Subscription {
	var s openscale.Subscription
	s.Metadata.ID = id
	s.Metadata.CreatedBy = "admin"
	s.Entity.Asset.Name = name
	return s
}

func instance(monitorID, subscriptionID string) openscale.MonitorInstance {
	var i openscale.MonitorInstance
	i.Entity.MonitorDefinitionID = monitorID
	i.Entity.Target.TargetID = subscriptionID
	return i
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"assets", "configs", "subscriptions"}, r.List())

	for alias, want := range map[string]string{
		"config":       "configs",
		"asset":        "assets",
		"monitors":     "subscriptions",
		"subscription": "subscriptions",
	} {
		res, ok := r.Get(alias)
		require.True(t, ok, alias)
		assert.Equal(t, want, res.Name())
	}

	_, ok := r.Get("routers")
	assert.False(t, ok)
}

func TestConfigResource(t *testing.T) {
	source := &fakeSource{deployments: map[string]metadata.Deployment{
		"b-id":      deployment("model.zip", "deepliif", "generic_metrics", "segmentation_metrics"),
		"a-id":      deployment("other.zip", ""),
		"TEST_c-id": deployment("test.zip", "hidden"),
	}}
	r := &ConfigResource{}

	obj, err := r.List(context.Background(), source, nil)
	require.NoError(t, err)

	list := obj.(*ConfigList)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "a-id", list.Items[0].ModelAssetID)
	assert.Equal(t, []string{"generic_metrics", "segmentation_metrics"}, list.Items[1].Monitors)

	table, err := r.GetTable(obj)
	require.NoError(t, err)
	require.Len(t, table.ColumnDefinitions, 4)
	assert.Equal(t, []interface{}{"a-id", "other.zip", "<none>", "<none>"}, table.Rows[0].Cells)

	wide, err := r.GetWideTable(obj)
	require.NoError(t, err)
	assert.Equal(t, "generic_metrics,segmentation_metrics", wide.Rows[1].Cells[5])

	obj, err = r.List(context.Background(), source, []string{"deepliif"})
	require.NoError(t, err)
	require.Len(t, obj.(*ConfigList).Items, 1)
	assert.Equal(t, "b-id", obj.(*ConfigList).Items[0].ModelAssetID)
}

func TestConfigResourceError(t *testing.T) {
	_, err := (&ConfigResource{}).List(context.Background(), &fakeSource{err: metadata.ErrNotFound}, nil)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestAssetResource(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{assets: []assets.Asset{
		{ID: "1", Name: "deployment_metadata.yml", LastUpdatedAt: updated, LastUpdaterID: "admin"},
		{ID: "2", Name: "monitor_metadata.yml", LastUpdatedAt: time.UnixMilli(0).UTC()},
	}}
	r := &AssetResource{Extension: ".yml"}

	obj, err := r.List(context.Background(), source, nil)
	require.NoError(t, err)
	assert.Equal(t, assets.ListOptions{LatestOnly: true, Extension: ".yml"}, source.listOpts)

	table, err := r.GetTable(obj)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []interface{}{"deployment_metadata.yml", "1", "2024-03-01T12:00:00Z", "admin"}, table.Rows[0].Cells)
	assert.Equal(t, []interface{}{"monitor_metadata.yml", "2", "<unknown>", "<none>"}, table.Rows[1].Cells)

	obj, err = r.List(context.Background(), source, []string{"2"})
	require.NoError(t, err)
	assert.Len(t, obj.(*AssetList).Items, 1)
}

func TestSubscriptionResource(t *testing.T) {
	source := &fakeSource{
		subs: []openscale.Subscription{
			subscription("sub-2", "zeta Monitor"),
			subscription("sub-1", "deepliif Monitor"),
		},
		instances: []openscale.MonitorInstance{
			instance("segmentation_metrics", "sub-1"),
			instance("generic_metrics", "sub-1"),
			instance("drift", "sub-3"),
		},
	}
	r := &SubscriptionResource{}

	obj, err := r.List(context.Background(), source, nil)
	require.NoError(t, err)

	table, err := r.GetTable(obj)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []interface{}{"deepliif Monitor", "<none>", "admin", "sub-1", "generic_metrics,segmentation_metrics"}, table.Rows[0].Cells)
	assert.Equal(t, "<none>", table.Rows[1].Cells[4])

	_, err = r.GetTable(&ConfigList{})
	assert.EqualError(t, err, "expected SubscriptionList, got *resources.ConfigList")
}

func TestSubscriptionResourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := (&SubscriptionResource{}).List(context.Background(), &fakeSource{err: boom}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestListsDeepCopy(t *testing.T) {
	list := &SubscriptionList{Items: []SubscriptionInfo{{ID: "sub-1", Monitors: []string{"m"}}}}
	cp := list.DeepCopyObject().(*SubscriptionList)
	cp.Items[0].Monitors[0] = "changed"
	assert.Equal(t, "m", list.Items[0].Monitors[0])
}
