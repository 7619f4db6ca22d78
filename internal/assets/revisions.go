package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cpd"
)

// Attachment is a file attached to an asset.
type Attachment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle struct {
		Key string `json:"key"`
	} `json:"handle"`
}

// Revision is a committed revision of an asset.
type Revision struct {
	AssetID       string `json:"asset_id"`
	RevisionID    int    `json:"revision_id"`
	CommitMessage string `json:"commit_message"`
	CreatedAt     string `json:"created_at"`
}

func (c *Client) revisionQuery(revision *int) url.Values {
	q := c.scope.Query()
	if revision != nil {
		q.Set("revision_id", strconv.Itoa(*revision))
	}
	return q
}

// Attachments returns the attachments of an asset, optionally at a given
// revision.
func (c *Client) Attachments(ctx context.Context, id string, revision *int) ([]Attachment, error) {
	var out struct {
		Attachments []Attachment `json:"attachments"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, "/v2/assets/"+id, &out, cpd.Query(c.revisionQuery(revision))); err != nil {
		return nil, fmt.Errorf("failed to get attachments of %s: %w", id, err)
	}
	return out.Attachments, nil
}

func (c *Client) attachmentKey(ctx context.Context, id string, revision *int) (string, error) {
	attachments, err := c.Attachments(ctx, id, revision)
	if err != nil {
		return "", err
	}
	if len(attachments) == 0 || attachments[0].Handle.Key == "" {
		return "", fmt.Errorf("data asset %s has no attachment", id)
	}
	return attachments[0].Handle.Key, nil
}

// CreateAttachment registers a new attachment and returns its id and the
// upload URL.
func (c *Client) CreateAttachment(ctx context.Context, id, name, mimeType string) (string, string, error) {
	var out struct {
		AttachmentID string `json:"attachment_id"`
		URL          string `json:"url1"`
	}
	err := c.api.DoJSON(ctx, http.MethodPost, "/v2/assets/"+id+"/attachments", &out,
		cpd.Query(c.scope.Query()),
		cpd.Accept(http.StatusOK, http.StatusCreated),
		cpd.JSONBody(map[string]string{"asset_type": "data_asset", "name": name, "mime": mimeType}),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to create attachment for %s: %w", id, err)
	}
	return out.AttachmentID, out.URL, nil
}

// CompleteAttachment marks an uploaded attachment as complete.
func (c *Client) CompleteAttachment(ctx context.Context, id, attachmentID string) error {
	_, err := c.api.Do(ctx, http.MethodPost, "/v2/assets/"+id+"/attachments/"+attachmentID+"/complete",
		cpd.Query(c.scope.Query()),
		cpd.Accept(http.StatusOK, http.StatusCreated),
		cpd.JSONBody(map[string]any{}),
	)
	if err != nil {
		return fmt.Errorf("failed to complete attachment %s: %w", attachmentID, err)
	}
	return nil
}

// DeleteAttachments removes attachments from an asset.
func (c *Client) DeleteAttachments(ctx context.Context, id string, attachmentIDs ...string) error {
	for _, attachmentID := range attachmentIDs {
		_, err := c.api.Do(ctx, http.MethodDelete, "/v2/assets/"+id+"/attachments/"+attachmentID,
			cpd.Query(c.scope.Query()), cpd.Accept(http.StatusOK, http.StatusNoContent))
		if err != nil {
			return fmt.Errorf("failed to delete attachment %s: %w", attachmentID, err)
		}
		log.Debug("deleted attachment", "asset", id, "attachment", attachmentID)
	}
	return nil
}

// attach uploads content as a new, completed attachment.
func (c *Client) attach(ctx context.Context, id, name, mimeType string, open func() (io.ReadCloser, error)) error {
	attachmentID, uploadURL, err := c.CreateAttachment(ctx, id, name, mimeType)
	if err != nil {
		return err
	}

	_, err = c.api.Do(ctx, http.MethodPut, uploadURL,
		cpd.MultipartFile("file", name, open),
		cpd.Accept(http.StatusOK, http.StatusCreated))
	if err != nil {
		return fmt.Errorf("failed to upload attachment for %s: %w", name, err)
	}

	return c.CompleteAttachment(ctx, id, attachmentID)
}

// RevisionOptions select the asset AddRevision works on.
type RevisionOptions struct {
	AssetID   string
	AssetName string
	// Path is the local file that becomes the new content.
	Path          string
	CommitMessage string
}

// AddRevision replaces the content of an existing asset and commits a new
// revision.
func (c *Client) AddRevision(ctx context.Context, opts RevisionOptions) (Revision, error) {
	if opts.Path == "" {
		return Revision{}, fmt.Errorf("a local path is required to add a revision")
	}

	id, err := c.resolveID(ctx, opts.AssetID, opts.AssetName)
	if err != nil {
		return Revision{}, err
	}

	name, err := c.NameByID(ctx, id)
	if err != nil {
		return Revision{}, err
	}

	old, err := c.Attachments(ctx, id, nil)
	if err != nil {
		return Revision{}, err
	}

	if err := c.attach(ctx, id, name, mimeTypeOf(opts.Path), cpd.OpenFile(opts.Path)); err != nil {
		return Revision{}, err
	}

	var oldIDs []string
	for _, a := range old {
		oldIDs = append(oldIDs, a.ID)
	}
	if err := c.DeleteAttachments(ctx, id, oldIDs...); err != nil {
		return Revision{}, err
	}

	message := opts.CommitMessage
	if message == "" {
		message = "add new revision"
	}

	var rev Revision
	err = c.api.DoJSON(ctx, http.MethodPost, "/v2/assets/"+id+"/revisions", &rev,
		cpd.Query(c.scope.Query()),
		cpd.Accept(http.StatusOK, http.StatusCreated),
		cpd.JSONBody(map[string]string{"commit_message": message}),
	)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to create revision of %s: %w", id, err)
	}

	log.Info("added revision", "asset", id, "revision", rev.RevisionID)
	return rev, nil
}

// GetRevision returns the content of an asset at a revision.
func (c *Client) GetRevision(ctx context.Context, assetID, assetName string, revision int) ([]byte, error) {
	id, err := c.resolveID(ctx, assetID, assetName)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, id, &revision)
}

// RevisionFilename is the default output name of a downloaded revision:
// "model.yml" at revision 3 becomes "model_revision3.yml".
func RevisionFilename(assetName string, revision int) string {
	ext := filepath.Ext(assetName)
	base := strings.TrimSuffix(assetName, ext)
	return fmt.Sprintf("%s_revision%d%s", base, revision, ext)
}

// DownloadRevision writes an asset revision to output, or to the default
// revision file name when output is empty.
func (c *Client) DownloadRevision(ctx context.Context, assetID, assetName string, revision int, output string) (string, error) {
	if output == "" {
		if assetName == "" {
			return "", fmt.Errorf("an output file name is required when the asset name is unknown")
		}
		output = RevisionFilename(assetName, revision)
	}

	data, err := c.GetRevision(ctx, assetID, assetName, revision)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", output, err)
	}
	return output, nil
}

func (c *Client) resolveID(ctx context.Context, id, name string) (string, error) {
	if id != "" {
		return id, nil
	}
	if name == "" {
		return "", fmt.Errorf("either an asset id or an asset name is required")
	}

	ids, err := c.IDsByName(ctx, name)
	if err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("found %d assets named %s, use the asset id to refer to a unique asset", len(ids), name)
	}
	return ids[0], nil
}

type searchRow struct {
	ArtifactID string `json:"artifact_id"`
	Metadata   struct {
		Name string `json:"name"`
	} `json:"metadata"`
}

func (c *Client) search(ctx context.Context, query string) ([]searchRow, error) {
	var out struct {
		Size int         `json:"size"`
		Rows []searchRow `json:"rows"`
	}
	err := c.api.DoJSON(ctx, http.MethodGet, "/v3/search", &out,
		cpd.Query(url.Values{"query": {query + c.scope.SearchClause()}}))
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", query, err)
	}
	return out.Rows, nil
}

// IDsByName looks up asset ids through the global search.
func (c *Client) IDsByName(ctx context.Context, name string) ([]string, error) {
	rows, err := c.search(ctx, "metadata.name:"+name)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ArtifactID)
	}
	return ids, nil
}

// NameByID looks up an asset name through the global search.
func (c *Client) NameByID(ctx context.Context, id string) (string, error) {
	rows, err := c.search(ctx, "artifact_id:"+id)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("cannot find asset %s: %w", id, ErrNotFound)
	}
	return rows[0].Metadata.Name, nil
}
