package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/metadata"
	"github.com/deepliif/mlops/internal/volume"
)

// Volume is the part of the storage volume API calculators read from.
type Volume interface {
	List(ctx context.Context, dir string, opts volume.ListOptions) ([]volume.Entry, error)
	DownloadBatch(ctx context.Context, sources []string, target string) ([]string, error)
}

// VolumeFactory returns the volume with a display name. An empty name
// selects the default volume.
type VolumeFactory func(displayName string) Volume

// Calculator computes the metric values of one custom monitor.
type Calculator interface {
	Compute(ctx context.Context, settings metadata.MonitorSettings) (map[string]float64, error)
}

const (
	KindGeneric      = "generic"
	KindSegmentation = "segmentation"
)

// ErrUnknownKind is returned for a calculator kind that does not exist.
var ErrUnknownKind = errors.New("unknown calculator kind")

// NewCalculators maps monitor ids to calculators by kind name.
func NewCalculators(kinds map[string]string, generic *Generic, segmentation *Segmentation) (map[string]Calculator, error) {
	out := make(map[string]Calculator, len(kinds))
	for monitorID, kind := range kinds {
		switch kind {
		case KindGeneric:
			out[monitorID] = generic
		case KindSegmentation:
			out[monitorID] = segmentation
		default:
			return nil, fmt.Errorf("monitor %s: %w %q", monitorID, ErrUnknownKind, kind)
		}
	}
	return out, nil
}

// Generic counts the ground truth and predicted images on the volume, in
// total and over the most recent days.
type Generic struct {
	Volumes VolumeFactory
}

func (g *Generic) Compute(ctx context.Context, settings metadata.MonitorSettings) (map[string]float64, error) {
	vol := g.Volumes(settings.VolumeDisplayName)

	count := func(dir string, recent int) (float64, error) {
		files, err := vol.List(ctx, dir, volume.ListOptions{Recursive: true, FilesOnly: true, MostRecentDays: recent})
		if err != nil {
			return 0, err
		}
		return float64(len(files)), nil
	}

	scores := map[string]float64{}
	for _, c := range []struct {
		name   string
		dir    string
		recent int
	}{
		{"num_images_total_ground_truth", settings.DirGT, 0},
		{"num_images_total_predicted", settings.DirPred, 0},
		{"num_images_recent_ground_truth", settings.DirGT, settings.MostRecent},
		{"num_images_recent_predicted", settings.DirPred, settings.MostRecent},
	} {
		n, err := count(c.dir, c.recent)
		if err != nil {
			return nil, err
		}
		scores[c.name] = n
	}
	return scores, nil
}

// Segmentation downloads the recent ground truth and predicted images and
// scores them with the statistics script.
type Segmentation struct {
	Volumes VolumeFactory
	Runner  command.Runner
	// Script is the statistics program and its leading arguments.
	Script  []string
	WorkDir string
	// MinFiles is the number of recent ground truth files an evaluation
	// needs.
	MinFiles int
}

func (s *Segmentation) Compute(ctx context.Context, settings metadata.MonitorSettings) (map[string]float64, error) {
	if len(s.Script) == 0 {
		return nil, fmt.Errorf("no statistics script configured")
	}

	vol := s.Volumes(settings.VolumeDisplayName)
	opts := volume.ListOptions{Recursive: true, FilesOnly: true, MostRecentDays: settings.MostRecent}

	gt, err := vol.List(ctx, settings.DirGT, opts)
	if err != nil {
		return nil, err
	}
	pred, err := vol.List(ctx, settings.DirPred, opts)
	if err != nil {
		return nil, err
	}

	if len(gt) < s.MinFiles {
		return nil, fmt.Errorf("FAILED: Needs at least %d newly created files in the past %d days to run the evaluation, currently only %d files can be found.",
			s.MinFiles, settings.MostRecent, len(gt))
	}

	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, err
	}
	runDir, err := os.MkdirTemp(s.WorkDir, "evaluation-")
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation directory: %w", err)
	}
	defer os.RemoveAll(runDir)

	if _, err := vol.DownloadBatch(ctx, volumePaths(settings.DirGT, gt), runDir); err != nil {
		return nil, err
	}
	if _, err := vol.DownloadBatch(ctx, volumePaths(settings.DirPred, pred), runDir); err != nil {
		return nil, err
	}
	log.Info("downloaded evaluation images", "ground_truth", len(gt), "predicted", len(pred))

	args := append(append([]string(nil), s.Script[1:]...),
		"--gt_path", filepath.Join(runDir, filepath.FromSlash(settings.DirGT)),
		"--model_path", filepath.Join(runDir, filepath.FromSlash(settings.DirPred)),
		"--output_path", filepath.Join(runDir, "statistics")+string(filepath.Separator),
	)
	res, err := s.Runner.Run(ctx, command.Command{Name: s.Script[0], Args: args, Dir: s.WorkDir})
	if err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}

	if err := os.WriteFile(filepath.Join(s.WorkDir, "scores.log"), res.Output, 0o644); err != nil {
		log.Warn("failed to keep scores.log", "error", err)
	}

	scores := ParseScores(res.Output)
	if len(scores) == 0 {
		return nil, fmt.Errorf("no scores found in the output of %s", s.Script[0])
	}
	return scores, nil
}

func volumePaths(dir string, entries []volume.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, path.Join(dir, e.Path))
	}
	return out
}

// ParseScores reads "name value" lines. Names are made of letters, digits
// and underscores, are not purely numeric and are lower-cased. Other lines
// are ignored.
func ParseScores(output []byte) map[string]float64 {
	scores := map[string]float64{}

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || !isMetricName(fields[0]) {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		scores[strings.ToLower(fields[0])] = value
	}
	return scores
}

func isMetricName(s string) bool {
	stripped := strings.ReplaceAll(s, "_", "")
	if stripped == "" {
		return false
	}

	numeric := true
	for _, r := range s {
		if !unicode.IsDigit(r) {
			numeric = false
		}
	}
	if numeric {
		return false
	}

	for _, r := range stripped {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
