// Package edi builds the inference deployment package handed to the
// deployment CLI: the kernel script, its dependencies and the model.json
// profile.
package edi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/archive"
	"github.com/deepliif/mlops/internal/metadata"
)

const (
	// DefaultKernelFile is the kernel script looked up in the package.
	DefaultKernelFile = "kernel.py"

	// ProfileFile is the deployment profile read by the deployment CLI.
	ProfileFile = "model.json"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// identifierPattern matches keys that can be assigned in the kernel script.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrInvalidName is returned for deployment names the platform rejects.
var ErrInvalidName = errors.New("only numbers, hyphens and lowercase letters are allowed")

// ValidateDeploymentName checks name against the platform naming rules.
func ValidateDeploymentName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("deployment name %q is invalid: %w", name, ErrInvalidName)
	}
	return nil
}

// ParseCustomArgs turns key=value pairs into a map.
func ParseCustomArgs(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if strings.Count(pair, "=") != 1 {
			return nil, fmt.Errorf("key-value pair %q in custom-arg does not have exactly 1 equal sign", pair)
		}
		k, v, _ := strings.Cut(pair, "=")
		if k == "" || v == "" {
			return nil, fmt.Errorf("key-value pair %q in custom-arg has an invalid key or value", pair)
		}
		if !identifierPattern.MatchString(k) {
			return nil, fmt.Errorf("key %q in custom-arg is not a valid identifier", k)
		}
		vars[k] = v
	}
	return vars, nil
}

// InjectVariables inserts "key = 'value'" assignments into the kernel
// script right after its first line, which is the interpreter line.
func InjectVariables(path string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read kernel file: %w", err)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !identifierPattern.MatchString(k) {
			return fmt.Errorf("variable %q is not a valid identifier", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var assignments strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&assignments, "%s = %s\n", k, strconv.Quote(vars[k]))
	}

	first, rest, found := strings.Cut(string(data), "\n")
	if !found {
		first, rest = string(data), ""
	}
	content := first + "\n" + assignments.String() + rest

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write kernel file: %w", err)
	}
	return nil
}

// EnvVar is an environment variable set in the kernel container.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Profile is the part of model.json this tool sets. Any other field of a
// profile shipped in the dependency bundle is kept.
type Profile struct {
	Name          string   `json:"name"`
	KernelPath    string   `json:"kernel_path"`
	Readme        string   `json:"readme,omitempty"`
	Tag           string   `json:"tag,omitempty"`
	WeightPath    string   `json:"weight_path"`
	Runtime       string   `json:"runtime"`
	SchemaVersion string   `json:"schema_version"`
	Environments  []EnvVar `json:"mk_environments,omitempty"`
}

// WriteProfile writes model.json into dir. An existing profile in dir is
// used as the base, then profile fields are applied, then resourceConfigs
// overrides whatever it names.
func WriteProfile(dir string, profile Profile, resourceConfigs map[string]any) error {
	path := filepath.Join(dir, ProfileFile)

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	fields, err := toMap(profile)
	if err != nil {
		return err
	}

	if err := mergo.Merge(&doc, fields, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge profile: %w", err)
	}
	if len(resourceConfigs) > 0 {
		if err := mergo.Merge(&doc, resourceConfigs, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge resource configs: %w", err)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	return out, json.Unmarshal(data, &out)
}

// Downloader fetches a workspace asset into a directory.
type Downloader interface {
	Download(ctx context.Context, name, target string) (string, error)
}

// PackageOptions describe the package to build.
type PackageOptions struct {
	DeploymentName string
	SpaceID        string
	KernelFile     string
	Variables      map[string]string
	// WorkDir receives the package directory.
	WorkDir string
}

// PreparePackage downloads the dependency bundle of a deployment entry,
// unpacks it into WorkDir/<deployment name>, injects the custom variables
// into the kernel script and writes the profile. It returns the package
// directory.
func PreparePackage(ctx context.Context, assets Downloader, entry metadata.Deployment, opts PackageOptions) (string, error) {
	if err := ValidateDeploymentName(opts.DeploymentName); err != nil {
		return "", err
	}

	bundle := entry.WMLADeployment.DependencyFilename
	if bundle == "" {
		return "", fmt.Errorf("model asset %s has no dependency file", entry.ModelAsset)
	}

	kernelFile := opts.KernelFile
	if kernelFile == "" {
		kernelFile = DefaultKernelFile
	}

	downloads := filepath.Join(opts.WorkDir, ".download")
	if err := os.MkdirAll(downloads, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(downloads)

	local, err := assets.Download(ctx, bundle, downloads)
	if err != nil {
		return "", fmt.Errorf("failed to download dependency file %s: %w", bundle, err)
	}

	dir := filepath.Join(opts.WorkDir, opts.DeploymentName)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := unpack(local, dir); err != nil {
		return "", err
	}

	kernelPath := filepath.Join(dir, kernelFile)
	if _, err := os.Stat(kernelPath); err != nil {
		return "", fmt.Errorf("kernel file %s not found in %s: %w", kernelFile, bundle, err)
	}
	if err := InjectVariables(kernelPath, opts.Variables); err != nil {
		return "", err
	}

	profile := Profile{
		Name:          opts.DeploymentName,
		KernelPath:    kernelFile,
		Readme:        readme(dir),
		Tag:           "mlops",
		WeightPath:    "./",
		Runtime:       "dlipy3",
		SchemaVersion: "1",
		Environments: []EnvVar{
			{Name: "WML_SPACE_ID", Value: opts.SpaceID},
			{Name: "WML_SPACE_MODEL", Value: entry.ModelAsset},
		},
	}
	if err := WriteProfile(dir, profile, entry.WMLADeployment.ResourceConfigs); err != nil {
		return "", err
	}

	log.Info("prepared deployment package", "dir", dir, "kernel", kernelFile)
	return dir, nil
}

// unpack places the content of a downloaded bundle in dir. Zip bundles
// hold a single top-level directory whose content is moved up.
func unpack(local, dir string) error {
	if filepath.Ext(local) != ".zip" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return os.Rename(local, filepath.Join(dir, filepath.Base(local)))
	}

	staging := dir + ".unpack"
	defer os.RemoveAll(staging)

	if _, err := archive.Unzip(local, staging); err != nil {
		return err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return os.Rename(filepath.Join(staging, entries[0].Name()), dir)
	}
	return os.Rename(staging, dir)
}

func readme(dir string) string {
	for _, name := range []string{"README.md", "readme.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}
