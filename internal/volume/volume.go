// Package volume reads and writes files on a storage volume through the
// platform's volume file API.
package volume

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cpd"
)

// ErrNotFound is returned when a listed directory does not exist.
var ErrNotFound = errors.New("path not found on storage volume")

// LastModifiedLayout is the format of Entry.LastModified.
const LastModifiedLayout = time.RFC1123

// Type is the kind of a volume path.
type Type string

const (
	File      Type = "file"
	Directory Type = "directory"
)

// Entry describes a file or directory returned by a listing.
type Entry struct {
	Path          string `json:"path"`
	Type          Type   `json:"type"`
	FileExtension string `json:"file_extension,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	Size          int64  `json:"size,omitempty"`
}

// ModifiedAt parses LastModified.
func (e Entry) ModifiedAt() (time.Time, error) {
	return time.Parse(LastModifiedLayout, e.LastModified)
}

// Client talks to one storage volume.
type Client struct {
	api    *cpd.Client
	volume string
	now    func() time.Time
}

// NewClient creates a client for the volume with the given display name.
func NewClient(api *cpd.Client, displayName string) *Client {
	return &Client{api: api, volume: displayName, now: time.Now}
}

// Name returns the display name of the volume.
func (c *Client) Name() string {
	return c.volume
}

func (c *Client) directoryPath(p string) string {
	return fmt.Sprintf("/zen-volumes/%s/v1/volumes/directories/%s", c.volume, url.PathEscape(p))
}

func (c *Client) filePath(p string) string {
	return fmt.Sprintf("/zen-volumes/%s/v1/volumes/files/%s", c.volume, url.PathEscape(p))
}

// ListOptions filter a listing.
type ListOptions struct {
	Recursive bool
	FilesOnly bool
	// Extensions keeps only files with one of these extensions, for example
	// ".png". It implies FilesOnly.
	Extensions []string
	// MostRecentDays keeps entries modified at most this many whole days
	// ago. Zero disables the filter.
	MostRecentDays int
}

// List returns the entries under dir. The volume root is "" or "/".
func (c *Client) List(ctx context.Context, dir string, opts ListOptions) ([]Entry, error) {
	if dir == "" {
		dir = "/"
	}

	query := url.Values{
		"include_details": {"true"},
		"recursive":       {fmt.Sprint(opts.Recursive)},
	}

	resp, err := c.api.Do(ctx, http.MethodGet, c.directoryPath(dir),
		cpd.Query(query), cpd.Accept(http.StatusOK, http.StatusNotFound))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s on volume %s: %w", dir, c.volume, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s on volume %s: %w", dir, c.volume, ErrNotFound)
	}

	var out struct {
		ResponseObject struct {
			DirectoryContents []Entry `json:"directoryContents"`
		} `json:"responseObject"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}

	return c.filter(out.ResponseObject.DirectoryContents, opts)
}

func (c *Client) filter(entries []Entry, opts ListOptions) ([]Entry, error) {
	filesOnly := opts.FilesOnly || len(opts.Extensions) > 0
	now := c.now()

	var out []Entry
	for _, e := range entries {
		if filesOnly && e.Type != File {
			continue
		}
		if len(opts.Extensions) > 0 && !slices.Contains(opts.Extensions, e.FileExtension) {
			continue
		}
		if opts.MostRecentDays > 0 {
			modified, err := e.ModifiedAt()
			if err != nil {
				return nil, fmt.Errorf("invalid last_modified of %s: %w", e.Path, err)
			}
			if int(now.Sub(modified)/(24*time.Hour)) > opts.MostRecentDays {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Guess tells whether p looks like a file: a dot in the last segment means
// a file.
func Guess(p string) Type {
	if strings.Contains(path.Base(p), ".") {
		return File
	}
	return Directory
}

// PathType looks up whether p is a file or a directory. Paths that do not
// exist yet fall back to Guess.
func (c *Client) PathType(ctx context.Context, p string) (Type, error) {
	p = strings.TrimSuffix(p, "/")
	parent := strings.TrimPrefix(path.Dir(p), "./")
	if parent == "." || parent == "" {
		parent = "/"
	}
	base := path.Base(p)

	entries, err := c.List(ctx, parent, ListOptions{})
	if errors.Is(err, ErrNotFound) {
		log.Debug("path does not exist on the volume yet, guessing its type", "path", p)
		return Guess(p), nil
	} else if err != nil {
		return "", err
	}

	var matches []Entry
	for _, e := range entries {
		if e.Path == base {
			matches = append(matches, e)
		}
	}

	switch len(matches) {
	case 0:
		log.Debug("path does not exist on the volume yet, guessing its type", "path", p)
		return Guess(p), nil
	case 1:
		return matches[0].Type, nil
	default:
		return "", fmt.Errorf("found %d entries named %s in %s", len(matches), base, parent)
	}
}

// UploadOptions control Upload.
type UploadOptions struct {
	// Target is the destination on the volume. It defaults to the source
	// path. When it is a directory the files are placed inside it.
	Target string
	// Flatten drops the local directory structure and keeps only file names.
	Flatten bool
}

// Upload sends a local file, or every file below a local directory, to the
// volume. The volume API takes one request per file. It returns the
// destination paths.
func (c *Client) Upload(ctx context.Context, source string, opts UploadOptions) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("local path %s does not exist: %w", source, err)
	}

	files := []string{source}
	if info.IsDir() {
		if files, err = localFiles(source); err != nil {
			return nil, err
		}
	}

	var uploaded []string
	for _, file := range files {
		target, err := c.uploadTarget(ctx, file, opts)
		if err != nil {
			return uploaded, err
		}

		_, err = c.api.Do(ctx, http.MethodPut, c.filePath(target),
			cpd.MultipartFile("upFile", filepath.Base(file), cpd.OpenFile(file)))
		if err != nil {
			return uploaded, fmt.Errorf("failed to upload %s to %s: %w", file, target, err)
		}

		log.Info("uploaded file to storage volume", "source", file, "target", target, "volume", c.volume)
		uploaded = append(uploaded, target)
	}
	return uploaded, nil
}

func (c *Client) uploadTarget(ctx context.Context, file string, opts UploadOptions) (string, error) {
	local := filepath.ToSlash(file)
	if opts.Target == "" {
		if opts.Flatten {
			return path.Base(local), nil
		}
		return local, nil
	}

	typ, err := c.PathType(ctx, opts.Target)
	if err != nil {
		return "", err
	}
	if typ == File {
		return opts.Target, nil
	}

	if opts.Flatten {
		return path.Join(opts.Target, path.Base(local)), nil
	}
	return path.Join(opts.Target, local), nil
}

// UploadBytes writes data to target on the volume.
func (c *Client) UploadBytes(ctx context.Context, target string, data []byte) error {
	_, err := c.api.Do(ctx, http.MethodPut, c.filePath(target),
		cpd.MultipartFile("upFile", path.Base(target), cpd.OpenBytes(data)))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// UploadBatch uploads several sources to the same target.
func (c *Client) UploadBatch(ctx context.Context, sources []string, opts UploadOptions) ([]string, error) {
	var uploaded []string
	for _, source := range sources {
		out, err := c.Upload(ctx, source, opts)
		uploaded = append(uploaded, out...)
		if err != nil {
			return uploaded, err
		}
	}
	return uploaded, nil
}

// Download saves a volume file locally. Directories are downloaded as a zip
// archive and get a ".zip" suffix. When target is an existing local
// directory the source path is recreated inside it. It returns the written
// path.
func (c *Client) Download(ctx context.Context, source, target string) (string, error) {
	source = strings.TrimSuffix(source, "/")

	typ, err := c.PathType(ctx, source)
	if err != nil {
		return "", err
	}

	query := url.Values{}
	if typ == Directory {
		query.Set("compress", "zip")
	}

	if target == "" {
		target = filepath.FromSlash(source)
	} else if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, filepath.FromSlash(source))
	}
	if typ == Directory {
		target += ".zip"
	}

	if err := c.api.DownloadFile(ctx, c.filePath(source), target, cpd.Query(query)); err != nil {
		return "", fmt.Errorf("failed to download %s from volume %s: %w", source, c.volume, err)
	}

	log.Debug("downloaded file from storage volume", "source", source, "target", target)
	return target, nil
}

// ReadFile returns the content of a volume file.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	resp, err := c.api.Do(ctx, http.MethodGet, c.filePath(p))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from volume %s: %w", p, c.volume, err)
	}
	return resp.Body, nil
}

// DownloadBatch downloads several sources to the same target.
func (c *Client) DownloadBatch(ctx context.Context, sources []string, target string) ([]string, error) {
	var out []string
	for _, source := range sources {
		p, err := c.Download(ctx, source, target)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

func localFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}
