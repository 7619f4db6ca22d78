package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint(5), cfg.Retry.Attempts)
	assert.Equal(t, 3*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 60*time.Second, cfg.Platform.Timeout)
	assert.Equal(t, DefaultDataMartID, cfg.OpenScale.DataMartID)
	assert.Equal(t, "DeepLIIFData", cfg.Volume.DisplayName)
	assert.Equal(t, []string{"python", "cli.py", "test"}, cfg.Kernel.ScoringCommand)
	assert.Equal(t, 512, cfg.Kernel.DefaultTileSize)
	assert.False(t, cfg.ObjectStore.Enabled())
	assert.Equal(t, "segmentation", cfg.Provider.Calculators["segmentation_metrics"])
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "mlops.yaml",
			content: `space_id: space-from-file
retry:
  attempts: 2
  delay: 10ms
`,
		},
		{
			name: "toml",
			file: "mlops.toml",
			content: `space_id = "space-from-file"
[retry]
attempts = 2
delay = "10ms"
`,
		},
		{
			name:    "json",
			file:    "mlops.json",
			content: `{"space_id": "space-from-file", "retry": {"attempts": 2, "delay": "10ms"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, "space-from-file", cfg.SpaceID)
			assert.Equal(t, uint(2), cfg.Retry.Attempts)
			assert.Equal(t, 10*time.Millisecond, cfg.Retry.Delay)
		})
	}
}

func TestLoadUnsupportedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlops.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint(5), cfg.Retry.Attempts)
}

func TestLoadEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlops.yaml")
	require.NoError(t, os.WriteFile(path, []byte("space_id: from-file\n"), 0o600))

	t.Setenv("USER_ACCESS_TOKEN", "token")
	t.Setenv("SPACE_ID", "from-env")
	t.Setenv("WMLA_HOST", "https://wmla.example.com/")
	t.Setenv("MLOPS_OBJECT_STORE__BUCKET", "results")
	t.Setenv("MLOPS_OBJECT_STORE__ENDPOINT", "https://s3.example.com")
	t.Setenv("REDHARE_MODEL_NAME", "deepliif")
	t.Setenv("MSD_POD_NAME", "pod-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.Platform.Token)
	assert.Equal(t, "from-env", cfg.SpaceID)
	assert.Equal(t, "https://wmla.example.com/dlim/v1/", cfg.RestServer())
	assert.True(t, cfg.ObjectStore.Enabled())
	assert.Equal(t, "deepliif", cfg.Kernel.DeploymentName)
	assert.Equal(t, "pod-1", cfg.Kernel.PodName)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		platform PlatformConfig
		want     string
	}{
		{name: "default", want: DefaultBaseURL},
		{name: "runtime url", platform: PlatformConfig{RuntimeURL: "https://runtime/"}, want: "https://runtime"},
		{name: "base url wins", platform: PlatformConfig{BaseURL: "https://base", RuntimeURL: "https://runtime"}, want: "https://base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Platform: tt.platform}
			assert.Equal(t, tt.want, cfg.BaseURL())
		})
	}
}

func TestRequireSession(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireSession()
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.ErrorIs(t, err, ErrMissingSpace)

	cfg = &Config{Platform: PlatformConfig{Username: "admin", APIKey: "key"}, SpaceID: "space"}
	assert.NoError(t, cfg.RequireSession())
}

func TestInferenceURL(t *testing.T) {
	cfg := &Config{WMLA: WMLAConfig{InferenceHost: "https://inference.example.com/"}}
	assert.Equal(t, "https://inference.example.com/dlim/v1/inference/deepliif", cfg.InferenceURL("deepliif"))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "platform.token", envKey("USER_ACCESS_TOKEN"))
	assert.Equal(t, "kernel.pod_name", envKey("MLOPS_KERNEL__POD_NAME"))
	assert.Equal(t, "", envKey("HOME"))
}

func TestConsoleHost(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "explicit", cfg: Config{Training: TrainingConfig{ConsoleHost: "console.example.com"}}, want: "console.example.com"},
		{name: "from wmla host", cfg: Config{WMLA: WMLAConfig{Host: "https://wmla.example.com:8443/"}}, want: "wmla.example.com"},
		{name: "from platform", cfg: Config{Platform: PlatformConfig{BaseURL: "https://cpd.example.com"}}, want: "cpd.example.com"},
		{name: "bare host", cfg: Config{WMLA: WMLAConfig{Host: "wmla.example.com"}}, want: "wmla.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ConsoleHost())
		})
	}
}

func TestLoadTrainingDefaults(t *testing.T) {
	t.Setenv("DIR_job_submission", "/tmp/submission")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/submission", cfg.Training.SubmissionDir)
	assert.Equal(t, "dlicmd.py", cfg.Training.CLI)
	assert.Equal(t, -1, cfg.Training.RestPort)
	assert.Equal(t, "default_py3.8", cfg.Functions.SoftwareSpec)
	assert.Equal(t, "L", cfg.Functions.HardwareSpec)
}
