// Package functions manages deployable Python functions of the deployment
// space: storing a script, deploying it online and removing it together
// with its deployments.
package functions

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cpd"
)

const (
	apiVersion = "2020-09-01"

	DefaultName           = "My Function"
	DefaultDeploymentName = "My Function Deployment"
	DefaultSoftwareSpec   = "default_py3.8"
	DefaultHardwareSpec   = "L"
)

// ErrNotFound is returned when a specification name is unknown.
var ErrNotFound = errors.New("not found")

type Metadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Function is a stored function asset.
type Function struct {
	Metadata Metadata `json:"metadata"`
}

// Deployment is an online deployment of an asset.
type Deployment struct {
	Metadata Metadata `json:"metadata"`
	Entity   struct {
		Asset struct {
			ID string `json:"id"`
		} `json:"asset"`
		Status struct {
			OnlineURL struct {
				URL string `json:"url"`
			} `json:"online_url"`
		} `json:"status"`
	} `json:"entity"`
}

// Client works on the functions of one deployment space.
type Client struct {
	api     *cpd.Client
	spaceID string
}

func NewClient(api *cpd.Client, spaceID string) *Client {
	return &Client{api: api, spaceID: spaceID}
}

// SpaceID returns the deployment space the client works on.
func (c *Client) SpaceID() string {
	return c.spaceID
}

func (c *Client) query() url.Values {
	return url.Values{"version": {apiVersion}, "space_id": {c.spaceID}}
}

func (c *Client) list(ctx context.Context, path string, out any) error {
	return c.api.DoJSON(ctx, http.MethodGet, path, out, cpd.Query(c.query()))
}

func (c *Client) delete(ctx context.Context, path string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, path, cpd.Query(c.query()),
		cpd.Accept(http.StatusOK, http.StatusAccepted, http.StatusNoContent))
	return err
}

// Functions lists the function assets of the space.
func (c *Client) Functions(ctx context.Context) ([]Function, error) {
	var out struct {
		Resources []Function `json:"resources"`
	}
	if err := c.list(ctx, "/ml/v4/functions", &out); err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	return out.Resources, nil
}

// Deployments lists the deployments of the space.
func (c *Client) Deployments(ctx context.Context) ([]Deployment, error) {
	var out struct {
		Resources []Deployment `json:"resources"`
	}
	if err := c.list(ctx, "/ml/v4/deployments", &out); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return out.Resources, nil
}

// DeleteResult lists what Delete removed.
type DeleteResult struct {
	Deployments []string
	Functions   []string
}

// Delete removes every function named name. Their deployments are removed
// first since a deployed function cannot be deleted.
func (c *Client) Delete(ctx context.Context, name string) (DeleteResult, error) {
	var res DeleteResult

	functions, err := c.Functions(ctx)
	if err != nil {
		return res, err
	}
	var ids []string
	for _, f := range functions {
		if f.Metadata.Name == name {
			ids = append(ids, f.Metadata.ID)
		}
	}
	if len(ids) == 0 {
		log.Info("no function asset found", "name", name)
		return res, nil
	}

	deployments, err := c.Deployments(ctx)
	if err != nil {
		return res, err
	}
	for _, d := range deployments {
		if !slices.Contains(ids, d.Entity.Asset.ID) {
			continue
		}
		if err := c.delete(ctx, "/ml/v4/deployments/"+d.Metadata.ID); err != nil {
			return res, fmt.Errorf("failed to delete deployment %s: %w", d.Metadata.ID, err)
		}
		log.Info("deleted function deployment", "deployment", d.Metadata.Name, "id", d.Metadata.ID, "function", d.Entity.Asset.ID)
		res.Deployments = append(res.Deployments, d.Metadata.ID)
	}

	for _, id := range ids {
		if err := c.delete(ctx, "/ml/v4/functions/"+id); err != nil {
			return res, fmt.Errorf("failed to delete function %s: %w", id, err)
		}
		log.Info("deleted function asset", "name", name, "id", id)
		res.Functions = append(res.Functions, id)
	}
	return res, nil
}

func (c *Client) specID(ctx context.Context, kind, name string) (string, error) {
	var out struct {
		Resources []struct {
			Metadata struct {
				AssetID string `json:"asset_id"`
			} `json:"metadata"`
		} `json:"resources"`
	}
	q := c.query()
	q.Set("name", name)
	if err := c.api.DoJSON(ctx, http.MethodGet, "/v2/"+kind, &out, cpd.Query(q)); err != nil {
		return "", fmt.Errorf("failed to look up %s %s: %w", kind, name, err)
	}
	if len(out.Resources) == 0 {
		return "", fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
	}
	return out.Resources[0].Metadata.AssetID, nil
}

// SoftwareSpecID returns the id of a software specification.
func (c *Client) SoftwareSpecID(ctx context.Context, name string) (string, error) {
	return c.specID(ctx, "software_specifications", name)
}

// HardwareSpecID returns the id of a hardware specification.
func (c *Client) HardwareSpecID(ctx context.Context, name string) (string, error) {
	return c.specID(ctx, "hardware_specifications", name)
}

type StoreOptions struct {
	Name         string
	SoftwareSpec string
	// Overwrite deletes functions of the same name and their deployments
	// first.
	Overwrite bool
}

// Store uploads script, gzip compressed, as a new function asset and
// returns its id.
func (c *Client) Store(ctx context.Context, script string, opts StoreOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	spec := opts.SoftwareSpec
	if spec == "" {
		spec = DefaultSoftwareSpec
	}

	code, err := gzipFile(script)
	if err != nil {
		return "", err
	}

	if opts.Overwrite {
		if _, err := c.Delete(ctx, name); err != nil {
			return "", err
		}
	}

	specID, err := c.SoftwareSpecID(ctx, spec)
	if err != nil {
		return "", err
	}

	var created Function
	err = c.api.DoJSON(ctx, http.MethodPost, "/ml/v4/functions", &created,
		cpd.Query(url.Values{"version": {apiVersion}}),
		cpd.JSONBody(map[string]any{
			"name":          name,
			"space_id":      c.spaceID,
			"software_spec": map[string]string{"id": specID},
		}),
		cpd.Accept(http.StatusOK, http.StatusCreated, http.StatusAccepted))
	if err != nil {
		return "", fmt.Errorf("failed to create function %s: %w", name, err)
	}
	id := created.Metadata.ID

	_, err = c.api.Do(ctx, http.MethodPut, "/ml/v4/functions/"+id+"/code",
		cpd.Query(c.query()),
		cpd.Body(func() (io.Reader, string, error) {
			return bytes.NewReader(code), "application/gzip", nil
		}),
		cpd.Accept(http.StatusOK, http.StatusCreated, http.StatusAccepted))
	if err != nil {
		return "", fmt.Errorf("failed to upload code of function %s: %w", name, err)
	}

	log.Info("stored function", "name", name, "id", id, "script", script)
	return id, nil
}

func gzipFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read function script: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = filepath.Base(path)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

type DeployOptions struct {
	Name         string
	HardwareSpec string
}

// Deploy creates an online deployment of a function. The scoring URL
// carries the creation date as its version.
func (c *Client) Deploy(ctx context.Context, functionID string, opts DeployOptions) (id, scoringURL string, err error) {
	name := opts.Name
	if name == "" {
		name = DefaultDeploymentName
	}
	spec := opts.HardwareSpec
	if spec == "" {
		spec = DefaultHardwareSpec
	}

	specID, err := c.HardwareSpecID(ctx, spec)
	if err != nil {
		return "", "", err
	}

	var d Deployment
	err = c.api.DoJSON(ctx, http.MethodPost, "/ml/v4/deployments", &d,
		cpd.Query(url.Values{"version": {apiVersion}}),
		cpd.JSONBody(map[string]any{
			"name":          name,
			"space_id":      c.spaceID,
			"asset":         map[string]string{"id": functionID},
			"online":        map[string]any{},
			"hardware_spec": map[string]string{"id": specID},
		}),
		cpd.Accept(http.StatusOK, http.StatusCreated, http.StatusAccepted))
	if err != nil {
		return "", "", fmt.Errorf("failed to deploy function %s: %w", functionID, err)
	}

	date, _, found := strings.Cut(d.Metadata.CreatedAt, "T")
	if !found || date == "" {
		date = apiVersion
	}
	scoringURL = d.Entity.Status.OnlineURL.URL + "?version=" + date

	log.Info("deployed function", "function", functionID, "deployment", d.Metadata.ID, "url", scoringURL)
	return d.Metadata.ID, scoringURL, nil
}
