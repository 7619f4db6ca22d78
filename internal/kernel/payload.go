package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	StatusSubmitted = "submitted"
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
)

// requestIDPattern matches ids usable as a single directory name.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var (
	modalityImages = []string{"Hema", "DAPI", "Lap2", "Marker"}
	segImages      = []string{"Seg", "SegOverlaid", "SegRefined"}
)

// imageSets maps images_to_return to the image kinds kept in the output.
var imageSets = map[string][]string{
	"all":        append(append([]string(nil), modalityImages...), segImages...),
	"modalities": modalityImages,
	"seg_masks":  segImages,
}

func imageSetNames() []string {
	names := make([]string, 0, len(imageSets))
	for name := range imageSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Output is the response of an inference request.
type Output struct {
	RequestID string            `json:"request_id"`
	Status    string            `json:"status"`
	Log       []string          `json:"log"`
	Msg       string            `json:"msg"`
	Images    map[string]string `json:"images,omitempty"`
}

func (o *Output) fail(msg string) {
	o.Status = StatusFailed
	o.Msg = msg
}

// Request is a validated inference request.
type Request struct {
	ID             string
	TileSize       int
	ImagesToReturn string
	// PathOnVolume is the input image on the storage volume.
	PathOnVolume string
	// LocalImage is a base64 encoded input image.
	LocalImage string
}

// UseVolume reports whether the input comes from the storage volume.
func (r Request) UseVolume() bool {
	return r.PathOnVolume != ""
}

// Keepers returns the image kinds kept in the output directory.
func (r Request) Keepers() []string {
	return imageSets[r.ImagesToReturn]
}

// ParseRequest decodes the payload. The returned request carries the id
// even when validation fails. Warnings are appended to out.
func ParseRequest(payload []byte, defaultTileSize int, out *Output) (Request, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Request{}, fmt.Errorf("invalid payload: %w", err)
	}

	req := Request{
		ID:             uuid.NewString(),
		TileSize:       defaultTileSize,
		ImagesToReturn: "all",
	}
	if v, ok := raw["request_id"]; ok && v != nil {
		if id := fmt.Sprint(v); id != "" {
			req.ID = id
		}
	}
	out.RequestID = req.ID
	if !ValidRequestID(req.ID) {
		return req, fmt.Errorf("Error: request_id %q is not a valid identifier", req.ID)
	}

	req.PathOnVolume, _ = raw["img_path_on_pvc"].(string)
	req.LocalImage, _ = raw["local_input_image"].(string)

	if req.PathOnVolume == "" && req.LocalImage == "" {
		return req, fmt.Errorf("Error: no valid input image, provide either path_source or local_image")
	}
	if req.PathOnVolume != "" && req.LocalImage != "" {
		out.Log = append(out.Log, "Warning: both path_source and local_image are specified; only path_source will be used")
	}

	if v, ok := raw["tile_size"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return req, fmt.Errorf("Error: tile size is not integer")
		}
		req.TileSize = n
	}

	if v, ok := raw["images_to_return"]; ok {
		req.ImagesToReturn = fmt.Sprint(v)
	}
	if _, ok := imageSets[req.ImagesToReturn]; !ok {
		return req, fmt.Errorf("Error: images_to_return is not one of %v", imageSetNames())
	}

	return req, nil
}

// ValidRequestID reports whether id can name the per request directories.
func ValidRequestID(id string) bool {
	return id != "." && id != ".." && requestIDPattern.MatchString(id)
}

// ImageKind returns the kind of an output image: the text after the last
// underscore, without extension. "slide_1_SegOverlaid.png" is
// "SegOverlaid".
func ImageKind(name string) string {
	base := filepath.Base(name)
	if i := strings.LastIndex(base, "_"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}
