package functions

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/cpd"
)

type fakeML struct {
	mu          sync.Mutex
	functions   []Function
	deployments []Deployment
	deleted     []string
	created     []map[string]any
	code        map[string][]byte
}

func function(id, name string) Function {
	var f Function
	f.Metadata.ID, f.Metadata.Name = id, name
	return f
}

func deployment(id, assetID string) Deployment {
	var d Deployment
	d.Metadata.ID, d.Metadata.Name = id, id+"-name"
	d.Entity.Asset.ID = assetID
	return d
}

func (f *fakeML) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	resources := func(items func() any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "space-1", r.URL.Query().Get("space_id"))
			f.mu.Lock()
			defer f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"resources": items()})
		}
	}
	remove := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	}
	spec := func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		var items []any
		if name != "missing" {
			items = append(items, map[string]any{"metadata": map[string]string{"asset_id": "spec-" + name}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": items})
	}

	mux.HandleFunc("GET /ml/v4/functions", resources(func() any { return f.functions }))
	mux.HandleFunc("GET /ml/v4/deployments", resources(func() any { return f.deployments }))
	mux.HandleFunc("DELETE /ml/v4/functions/{id}", remove)
	mux.HandleFunc("DELETE /ml/v4/deployments/{id}", remove)
	mux.HandleFunc("GET /v2/software_specifications", spec)
	mux.HandleFunc("GET /v2/hardware_specifications", spec)
	mux.HandleFunc("POST /ml/v4/functions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.created = append(f.created, body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(function("fn-new", body["name"].(string)))
	})
	mux.HandleFunc("PUT /ml/v4/functions/{id}/code", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/gzip", r.Header.Get("Content-Type"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.code[r.PathValue("id")] = data
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /ml/v4/deployments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.created = append(f.created, body)
		f.mu.Unlock()

		d := deployment("dep-new", "fn-1")
		d.Metadata.CreatedAt = "2024-05-02T10:00:00.000Z"
		d.Entity.Status.OnlineURL.URL = "https://cpd.example.com/ml/v4/deployments/dep-new/predictions"
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(d)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeML) {
	t.Helper()

	fake := &fakeML{code: map[string][]byte{}}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	api := cpd.NewClient(server.URL, cpd.WithRetry(1, 0), cpd.WithTokenSource(cpd.StaticToken("token")))
	return NewClient(api, "space-1"), fake
}

func TestDelete(t *testing.T) {
	client, fake := newTestClient(t)
	fake.functions = []Function{function("fn-1", "scorer"), function("fn-2", "other"), function("fn-3", "scorer")}
	fake.deployments = []Deployment{deployment("dep-1", "fn-1"), deployment("dep-2", "fn-2"), deployment("dep-3", "fn-3")}

	res, err := client.Delete(context.Background(), "scorer")
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-1", "dep-3"}, res.Deployments)
	assert.Equal(t, []string{"fn-1", "fn-3"}, res.Functions)
	assert.Equal(t, []string{"dep-1", "dep-3", "fn-1", "fn-3"}, fake.deleted)

	res, err = client.Delete(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, res.Functions)
}

func TestStore(t *testing.T) {
	client, fake := newTestClient(t)
	fake.functions = []Function{function("fn-old", "scorer")}

	script := filepath.Join(t.TempDir(), "score.py")
	require.NoError(t, os.WriteFile(script, []byte("def score(payload):\n    return payload\n"), 0o644))

	id, err := client.Store(context.Background(), script, StoreOptions{Name: "scorer", Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, "fn-new", id)
	assert.Equal(t, []string{"fn-old"}, fake.deleted)

	require.Len(t, fake.created, 1)
	assert.Equal(t, "scorer", fake.created[0]["name"])
	assert.Equal(t, "space-1", fake.created[0]["space_id"])
	assert.Equal(t, map[string]any{"id": "spec-default_py3.8"}, fake.created[0]["software_spec"])

	zr, err := gzip.NewReader(bytes.NewReader(fake.code["fn-new"]))
	require.NoError(t, err)
	assert.Equal(t, "score.py", zr.Name)
	code, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "def score(payload):\n    return payload\n", string(code))
}

func TestStoreKeepsExisting(t *testing.T) {
	client, fake := newTestClient(t)
	fake.functions = []Function{function("fn-old", DefaultName)}

	script := filepath.Join(t.TempDir(), "score.py")
	require.NoError(t, os.WriteFile(script, []byte("pass\n"), 0o644))

	_, err := client.Store(context.Background(), script, StoreOptions{})
	require.NoError(t, err)
	assert.Empty(t, fake.deleted)
	assert.Equal(t, DefaultName, fake.created[0]["name"])

	_, err = client.Store(context.Background(), script, StoreOptions{SoftwareSpec: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeploy(t *testing.T) {
	client, fake := newTestClient(t)

	id, url, err := client.Deploy(context.Background(), "fn-1", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "dep-new", id)
	assert.Equal(t, "https://cpd.example.com/ml/v4/deployments/dep-new/predictions?version=2024-05-02", url)

	require.Len(t, fake.created, 1)
	body := fake.created[0]
	assert.Equal(t, DefaultDeploymentName, body["name"])
	assert.Equal(t, map[string]any{"id": "fn-1"}, body["asset"])
	assert.Equal(t, map[string]any{"id": "spec-L"}, body["hardware_spec"])
	assert.Equal(t, map[string]any{}, body["online"])

	_, _, err = client.Deploy(context.Background(), "fn-1", DeployOptions{HardwareSpec: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrepare(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "function.py")
	require.NoError(t, os.WriteFile(script, []byte("def score(p):\n    return p\n"), 0o644))
	helper := filepath.Join(dir, "helper.py")
	require.NoError(t, os.WriteFile(helper, []byte("X = 'a'\n"), 0o644))

	target, err := Prepare(script, PrepareOptions{
		Variables: map[string]string{
			"space_id":                           "123",
			"os.environ['RUNTIME_ENV_APSX_URL']": "https://cpd.example.com",
		},
		Scripts: []string{helper},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "function_edited.py"), target)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "import os\n"+
		"os.environ['RUNTIME_ENV_APSX_URL'] = \"https://cpd.example.com\"\n"+
		"space_id = \"123\"\n"+
		"d_scripts = {}\n"+
		"d_scripts[\"helper.py\"] = \"X = 'a'\\n\"\n"+
		scriptWriter+"\n"+
		"def score(p):\n    return p\n", string(data))
}

func TestPrepareRejectsVariables(t *testing.T) {
	script := filepath.Join(t.TempDir(), "function.py")
	require.NoError(t, os.WriteFile(script, []byte("pass\n"), 0o644))

	for _, key := range []string{"1abc", "a b", "os.system('x')", "os.environ[NAME]"} {
		_, err := Prepare(script, PrepareOptions{Variables: map[string]string{key: "v"}, Target: script + ".out"})
		assert.ErrorContains(t, err, "not a valid identifier", key)
	}
	_, err := os.Stat(script + ".out")
	assert.True(t, os.IsNotExist(err))
}
