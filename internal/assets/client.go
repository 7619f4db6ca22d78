// Package assets manages data assets in a deployment space, project or
// catalog.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/archive"
	"github.com/deepliif/mlops/internal/cpd"
)

// ErrNotFound is returned when no asset carries the requested name.
var ErrNotFound = errors.New("asset not found")

const searchLimit = 200

// Scope selects where assets live. The first non-empty id wins, in the
// order space, project, catalog.
type Scope struct {
	SpaceID   string
	ProjectID string
	CatalogID string
}

// Query returns the query parameter selecting the scope.
func (s Scope) Query() url.Values {
	switch {
	case s.SpaceID != "":
		return url.Values{"space_id": {s.SpaceID}}
	case s.ProjectID != "":
		return url.Values{"project_id": {s.ProjectID}}
	case s.CatalogID != "":
		return url.Values{"catalog_id": {s.CatalogID}}
	}
	return url.Values{}
}

// SearchClause narrows a global search query to the scope.
func (s Scope) SearchClause() string {
	switch {
	case s.SpaceID != "":
		return " AND entity.assets.space_id:" + s.SpaceID
	case s.ProjectID != "":
		return " AND entity.assets.project_id:" + s.ProjectID
	case s.CatalogID != "":
		return " AND entity.assets.catalog_id:" + s.CatalogID
	}
	return ""
}

func (s Scope) IsZero() bool {
	return s.SpaceID == "" && s.ProjectID == "" && s.CatalogID == ""
}

// Asset is a data asset.
type Asset struct {
	ID            string    `json:"asset_id"`
	Name          string    `json:"name"`
	CreatedAt     string    `json:"created_at,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastUpdaterID string    `json:"last_updater_id,omitempty"`
}

type assetMetadata struct {
	Name      string `json:"name"`
	AssetID   string `json:"asset_id"`
	CreatedAt string `json:"created_at"`
	Usage     struct {
		LastUpdateTime int64  `json:"last_update_time"`
		LastUpdaterID  string `json:"last_updater_id"`
	} `json:"usage"`
}

func (m assetMetadata) asset() Asset {
	return Asset{
		ID:            m.AssetID,
		Name:          m.Name,
		CreatedAt:     m.CreatedAt,
		LastUpdatedAt: time.UnixMilli(m.Usage.LastUpdateTime).UTC(),
		LastUpdaterID: m.Usage.LastUpdaterID,
	}
}

// Client talks to the asset API.
type Client struct {
	api   *cpd.Client
	scope Scope
}

// NewClient creates a new asset client
func NewClient(api *cpd.Client, scope Scope) *Client {
	return &Client{api: api, scope: scope}
}

func (c *Client) Scope() Scope {
	return c.scope
}

// ListOptions filter List results.
type ListOptions struct {
	// LatestOnly keeps only the most recently updated asset per name.
	LatestOnly bool
	// Extension keeps only names with this suffix.
	Extension string
}

// List returns the data assets of the scope, most recently updated first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Asset, error) {
	type searchResponse struct {
		Results []struct {
			Metadata assetMetadata `json:"metadata"`
		} `json:"results"`
		Next map[string]any `json:"next"`
	}

	body := map[string]any{"query": "*:*", "limit": searchLimit}

	var assets []Asset
	for {
		var resp searchResponse
		err := c.api.DoJSON(ctx, http.MethodPost, "/v2/asset_types/data_asset/search", &resp,
			cpd.Query(c.scope.Query()), cpd.JSONBody(body))
		if err != nil {
			return nil, fmt.Errorf("failed to list data assets: %w", err)
		}

		for _, r := range resp.Results {
			assets = append(assets, r.Metadata.asset())
		}

		if len(resp.Next) == 0 || len(resp.Results) == 0 {
			break
		}
		body = resp.Next
	}

	sort.SliceStable(assets, func(i, j int) bool {
		return assets[i].LastUpdatedAt.After(assets[j].LastUpdatedAt)
	})

	var out []Asset
	seen := map[string]bool{}
	for _, a := range assets {
		if opts.LatestOnly {
			if seen[a.Name] {
				continue
			}
			seen[a.Name] = true
		}
		if opts.Extension != "" && !strings.HasSuffix(a.Name, opts.Extension) {
			continue
		}
		out = append(out, a)
	}

	return out, nil
}

// FindByName returns every asset named name, most recent first.
func (c *Client) FindByName(ctx context.Context, name string) ([]Asset, error) {
	all, err := c.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}

	var out []Asset
	for _, a := range all {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out, nil
}

// Latest returns the most recently updated asset named name.
func (c *Client) Latest(ctx context.Context, name string) (Asset, error) {
	found, err := c.FindByName(ctx, name)
	if err != nil {
		return Asset{}, err
	}
	if len(found) == 0 {
		return Asset{}, fmt.Errorf("cannot find data asset %s: %w", name, ErrNotFound)
	}
	return found[0], nil
}

// Create registers a new asset named name and uploads its content.
func (c *Client) Create(ctx context.Context, name string, open func() (io.ReadCloser, error)) (string, error) {
	mimeType := mimeTypeOf(name)

	var created struct {
		Metadata struct {
			AssetID string `json:"asset_id"`
		} `json:"metadata"`
	}
	err := c.api.DoJSON(ctx, http.MethodPost, "/v2/assets", &created,
		cpd.Query(c.scope.Query()),
		cpd.Accept(http.StatusOK, http.StatusCreated),
		cpd.JSONBody(map[string]any{
			"metadata": map[string]any{
				"name":           name,
				"asset_type":     "data_asset",
				"origin_country": "us",
				"asset_category": "USER",
			},
			"entity": map[string]any{
				"data_asset": map[string]any{"mime_type": mimeType},
			},
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create data asset %s: %w", name, err)
	}

	id := created.Metadata.AssetID
	if err := c.attach(ctx, id, name, mimeType, open); err != nil {
		return "", err
	}

	log.Info("created data asset", "name", name, "id", id)
	return id, nil
}

// UploadOptions control Upload.
type UploadOptions struct {
	// Name overrides the asset name. It defaults to the base name of the
	// path, with ".zip" appended for directories.
	Name string
	// Overwrite deletes older assets with the same name after the upload.
	Overwrite bool
}

// AssetName returns the name an uploaded path gets by default.
func AssetName(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	base := filepath.Base(filepath.Clean(path))
	if info.IsDir() {
		return base + ".zip", nil
	}
	return base, nil
}

// Upload publishes a file, or a directory as a zip archive, and returns the
// id of the new asset.
func (c *Client) Upload(ctx context.Context, path string, opts UploadOptions) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	name := opts.Name
	if name == "" {
		if name, err = AssetName(path); err != nil {
			return "", err
		}
	}

	existing, err := c.FindByName(ctx, name)
	if err != nil {
		return "", err
	}

	source := path
	if info.IsDir() {
		tmp, err := os.MkdirTemp("", "mlops-upload-")
		if err != nil {
			return "", fmt.Errorf("failed to create temporary directory: %w", err)
		}
		defer os.RemoveAll(tmp)

		source = filepath.Join(tmp, name)
		if err := archive.ZipDir(path, source); err != nil {
			return "", err
		}
	}

	id, err := c.Create(ctx, name, cpd.OpenFile(source))
	if err != nil {
		return "", err
	}
	log.Info("finished publishing", "path", path, "name", name)

	if opts.Overwrite {
		if err := c.deleteAll(ctx, existing); err != nil {
			return id, err
		}
	}

	return id, nil
}

// UploadBytes publishes data as an asset and returns the new id.
func (c *Client) UploadBytes(ctx context.Context, name string, data []byte, overwrite bool) (string, error) {
	existing, err := c.FindByName(ctx, name)
	if err != nil {
		return "", err
	}

	id, err := c.Create(ctx, name, cpd.OpenBytes(data))
	if err != nil {
		return "", err
	}

	if overwrite {
		if err := c.deleteAll(ctx, existing); err != nil {
			return id, err
		}
	}
	return id, nil
}

// UploadBatch uploads every path with default names.
func (c *Client) UploadBatch(ctx context.Context, paths []string, overwrite bool) error {
	for _, p := range paths {
		if _, err := c.Upload(ctx, p, UploadOptions{Overwrite: overwrite}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) deleteAll(ctx context.Context, assets []Asset) error {
	for _, a := range assets {
		if err := c.Delete(ctx, a.ID); err != nil {
			return err
		}
	}
	if len(assets) > 0 {
		log.Info("deleted older assets with the same name", "name", assets[0].Name, "count", len(assets))
	}
	return nil
}

// Delete removes an asset.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, "/v2/assets/"+id,
		cpd.Query(c.scope.Query()), cpd.Accept(http.StatusOK, http.StatusNoContent))
	if err != nil {
		return fmt.Errorf("failed to delete data asset %s: %w", id, err)
	}
	return nil
}

// Download saves the most recent asset named name. When target is an
// existing directory the file is placed inside it; an empty target means
// the current directory. It returns the written path.
func (c *Client) Download(ctx context.Context, name, target string) (string, error) {
	asset, err := c.Latest(ctx, name)
	if err != nil {
		return "", err
	}

	if target == "" {
		target = name
	} else if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, name)
	}

	key, err := c.attachmentKey(ctx, asset.ID, nil)
	if err != nil {
		return "", err
	}

	if err := c.api.DownloadFile(ctx, "/v2/asset_files/"+key, target, cpd.Query(c.scope.Query())); err != nil {
		return "", fmt.Errorf("failed to download data asset %s: %w", name, err)
	}

	log.Debug("downloaded data asset", "name", name, "path", target)
	return target, nil
}

// DownloadBatch downloads every named asset into dir.
func (c *Client) DownloadBatch(ctx context.Context, names []string, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := c.Download(ctx, name, dir); err != nil {
			return err
		}
	}
	return nil
}

// Fetch returns the content of an asset.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	return c.fetch(ctx, id, nil)
}

func (c *Client) fetch(ctx context.Context, id string, revision *int) ([]byte, error) {
	key, err := c.attachmentKey(ctx, id, revision)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.Do(ctx, http.MethodGet, "/v2/asset_files/"+key, cpd.Query(c.scope.Query()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch data asset %s: %w", id, err)
	}
	return resp.Body, nil
}

func mimeTypeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
