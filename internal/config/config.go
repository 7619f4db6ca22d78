package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultFile is the config file picked up from the working directory.
	DefaultFile = "mlops.yaml"

	// DefaultBaseURL is the platform route used when nothing else is set.
	DefaultBaseURL = "https://cpd-cp4d.apps.cpd.mskcc.org"

	// DefaultDataMartID is the data mart of the monitoring service.
	DefaultDataMartID = "00000000-0000-0000-0000-000000000000"

	// DefaultInferenceHost is the public route of the inference endpoints.
	DefaultInferenceHost = "https://wmla-inference-cpd-wmla.apps.cpd.mskcc.org"

	envPrefix = "MLOPS_"
)

var parserMap = map[string]koanf.Parser{
	".yaml": yaml.Parser(),
	".yml":  yaml.Parser(),
	".toml": toml.Parser(),
	".json": json.Parser(),
}

// legacyEnv maps the variable names used by the notebooks and kernels
// onto config keys.
var legacyEnv = map[string]string{
	"USER_ACCESS_TOKEN":    "platform.token",
	"BASE_URL":             "platform.base_url",
	"RUNTIME_ENV_APSX_URL": "platform.runtime_url",
	"USERNAME":             "platform.username",
	"CPD_USERNAME":         "platform.username",
	"APIKEY":               "platform.api_key",
	"CPD_API_KEY":          "platform.api_key",
	"SPACE_ID":             "space_id",
	"WML_SPACE_ID":         "space_id",
	"WMLA_HOST":            "wmla.host",
	"DLIM_PATH":            "wmla.dlim_path",
	"DIR_job_submission":   "training.submission_dir",
	"VOLUME_DISPLAY_NAME":  "volume.display_name",
	"DATA_MART_ID":         "openscale.data_mart_id",
	"REDHARE_MODEL_NAME":   "kernel.deployment_name",
	"REDHARE_MODEL_PATH":   "kernel.model_dir",
	"WML_SPACE_MODEL":      "kernel.model_file",
	"MSD_POD_NAME":         "kernel.pod_name",
}

var (
	// ErrMissingToken is returned when no way to authenticate is configured.
	ErrMissingToken = errors.New("USER_ACCESS_TOKEN (or USERNAME and APIKEY) must be set")
	// ErrMissingSpace is returned when no deployment space is configured.
	ErrMissingSpace = errors.New("SPACE_ID must be set")
)

type Config struct {
	Platform    PlatformConfig    `koanf:"platform"`
	SpaceID     string            `koanf:"space_id"`
	WMLA        WMLAConfig        `koanf:"wmla"`
	OpenScale   OpenScaleConfig   `koanf:"openscale"`
	Volume      VolumeConfig      `koanf:"volume"`
	Retry       RetryConfig       `koanf:"retry"`
	ObjectStore ObjectStoreConfig `koanf:"object_store"`
	Kernel      KernelConfig      `koanf:"kernel"`
	Provider    ProviderConfig    `koanf:"provider"`
	Training    TrainingConfig    `koanf:"training"`
	Functions   FunctionsConfig   `koanf:"functions"`
}

type PlatformConfig struct {
	BaseURL            string        `koanf:"base_url"`
	RuntimeURL         string        `koanf:"runtime_url"`
	Token              string        `koanf:"token"`
	Username           string        `koanf:"username"`
	APIKey             string        `koanf:"api_key"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
	Timeout            time.Duration `koanf:"timeout"`
}

type WMLAConfig struct {
	Host          string        `koanf:"host"`
	InferenceHost string        `koanf:"inference_host"`
	DlimPath      string        `koanf:"dlim_path"`
	SearchPaths   []string      `koanf:"search_paths"`
	IdleAttempts  uint          `koanf:"idle_attempts"`
	IdleDelay     time.Duration `koanf:"idle_delay"`
}

type OpenScaleConfig struct {
	DataMartID          string `koanf:"data_mart_id"`
	ServiceProviderName string `koanf:"service_provider_name"`
}

type VolumeConfig struct {
	DisplayName string `koanf:"display_name"`
}

type RetryConfig struct {
	Attempts uint          `koanf:"attempts"`
	Delay    time.Duration `koanf:"delay"`
}

// ObjectStoreConfig configures the optional S3-compatible result sink.
type ObjectStoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	PathStyle bool   `koanf:"path_style"`
}

// Enabled reports whether enough settings exist to build a client.
func (o ObjectStoreConfig) Enabled() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

type KernelConfig struct {
	Listen          string     `koanf:"listen"`
	DeploymentName  string     `koanf:"deployment_name"`
	PodName         string     `koanf:"pod_name"`
	ModelDir        string     `koanf:"model_dir"`
	ModelFile       string     `koanf:"model_file"`
	WorkDir         string     `koanf:"work_dir"`
	ScoringCommand  []string   `koanf:"scoring_command"`
	StartCommands   [][]string `koanf:"start_commands"`
	DefaultTileSize int        `koanf:"default_tile_size"`
	ResultSink      string     `koanf:"result_sink"`
}

type ProviderConfig struct {
	Listen           string   `koanf:"listen"`
	WorkDir          string   `koanf:"work_dir"`
	StatisticsScript []string `koanf:"statistics_script"`
	MinRecentFiles   int      `koanf:"min_recent_files"`
	// Calculators maps a monitor definition id to a calculator kind.
	Calculators map[string]string `koanf:"calculators"`
}

type TrainingConfig struct {
	Python        string `koanf:"python"`
	CLI           string `koanf:"cli"`
	SubmissionDir string `koanf:"submission_dir"`
	// ConsoleHost defaults to the host of wmla.host or the platform.
	ConsoleHost string `koanf:"console_host"`
	RestPort    int    `koanf:"rest_port"`
}

type FunctionsConfig struct {
	SoftwareSpec string `koanf:"software_spec"`
	HardwareSpec string `koanf:"hardware_spec"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"platform.insecure_skip_verify":   false,
		"platform.timeout":                "60s",
		"wmla.inference_host":             DefaultInferenceHost,
		"wmla.search_paths":               []string{"$HOME/bin", "/userfs"},
		"wmla.idle_attempts":              60,
		"wmla.idle_delay":                 "5s",
		"openscale.data_mart_id":          DefaultDataMartID,
		"openscale.service_provider_name": "OpenScale Headless Service Provider",
		"volume.display_name":             "DeepLIIFData",
		"retry.attempts":                  5,
		"retry.delay":                     "3s",
		"object_store.region":             "us-east-1",
		"kernel.listen":                   ":8080",
		"kernel.work_dir":                 ".",
		"kernel.scoring_command":          []string{"python", "cli.py", "test"},
		"kernel.default_tile_size":        512,
		"kernel.result_sink":              "volume",
		"provider.listen":                 ":8081",
		"provider.work_dir":               ".",
		"provider.statistics_script":      []string{"python", "ComputeStatistics.py"},
		"provider.min_recent_files":       3,
		"training.python":                 "python",
		"training.cli":                    "dlicmd.py",
		"training.submission_dir":         "/userfs/job_submission",
		"training.rest_port":              -1,
		"functions.software_spec":         "default_py3.8",
		"functions.hardware_spec":         "L",
		"provider.calculators": map[string]interface{}{
			"generic_metrics":      "generic",
			"segmentation_metrics": "segmentation",
		},
	}
}

// Load builds the configuration from defaults, an optional file and the
// environment, in that order of precedence.
func Load(configFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := loadFile(k, configFile); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandSearchPaths()
	return cfg, nil
}

func loadFile(k *koanf.Koanf, configFile string) error {
	if configFile == "" {
		return nil
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debug("config file does not exist", "path", configFile)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configFile))
	parser, ok := parserMap[ext]
	if !ok {
		return fmt.Errorf("unsupported config file format: %s", configFile)
	}

	if err := k.Load(file.Provider(configFile), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", configFile, err)
	}

	log.Debug("loaded config file", "path", configFile)
	return nil
}

// envKey turns an environment variable name into a config key. Unknown
// variables map to "" and are skipped by the provider.
func envKey(name string) string {
	if key, ok := legacyEnv[name]; ok {
		return key
	}
	if !strings.HasPrefix(name, envPrefix) {
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func (c *Config) expandSearchPaths() {
	for i, p := range c.WMLA.SearchPaths {
		c.WMLA.SearchPaths[i] = os.ExpandEnv(p)
	}
}

// BaseURL returns the platform route with any trailing slash removed.
func (c *Config) BaseURL() string {
	url := c.Platform.BaseURL
	if url == "" {
		url = c.Platform.RuntimeURL
	}
	if url == "" {
		url = DefaultBaseURL
	}
	return strings.TrimRight(url, "/")
}

// RestServer returns the endpoint the deployment CLI talks to.
func (c *Config) RestServer() string {
	host := c.WMLA.Host
	if host == "" {
		host = c.BaseURL()
	}
	return strings.TrimRight(host, "/") + "/dlim/v1/"
}

// ConsoleHost returns the host name the training CLI submits to.
func (c *Config) ConsoleHost() string {
	if c.Training.ConsoleHost != "" {
		return c.Training.ConsoleHost
	}
	raw := c.WMLA.Host
	if raw == "" {
		raw = c.BaseURL()
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return strings.TrimRight(raw, "/")
}

// InferenceURL returns the public URL of a named inference endpoint.
func (c *Config) InferenceURL(deploymentName string) string {
	return strings.TrimRight(c.WMLA.InferenceHost, "/") + "/dlim/v1/inference/" + deploymentName
}

// HasCredentials reports whether an api key login is configured.
func (c *Config) HasCredentials() bool {
	return c.Platform.Username != "" && c.Platform.APIKey != ""
}

// RequireSession checks the settings every workspace command depends on.
func (c *Config) RequireSession() error {
	var errs []error
	if c.Platform.Token == "" && !c.HasCredentials() {
		errs = append(errs, ErrMissingToken)
	}
	if c.SpaceID == "" {
		errs = append(errs, ErrMissingSpace)
	}
	return errors.Join(errs...)
}
