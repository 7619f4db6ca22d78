// Package kernel implements the inference kernel: it prepares the model on
// start and serves scoring requests by running the scoring command.
package kernel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepliif/mlops/internal/archive"
	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/cpd"
	"github.com/deepliif/mlops/internal/server"
)

const localImageName = "local.png"

// ModelFetcher downloads the model archive from the workspace.
type ModelFetcher interface {
	Download(ctx context.Context, name, target string) (string, error)
}

// Options configure a kernel.
type Options struct {
	DeploymentName string
	PodName        string
	// ModelDir is the working directory of the deployment. The model archive
	// is unpacked and the scoring command runs here.
	ModelDir  string
	ModelFile string

	ScoringCommand  []string
	StartCommands   [][]string
	DefaultTileSize int

	Tokens cpd.TokenSource
	Models ModelFetcher
	Volume Volume
	// Sink receives results of volume input requests. It defaults to the
	// volume.
	Sink   Sink
	Runner command.Runner
}

// Kernel serves inference requests.
type Kernel struct {
	opts Options
	log  *RemoteLog
	now  func() time.Time

	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	duration    prometheus.Histogram
}

func New(opts Options) *Kernel {
	if opts.Runner == nil {
		opts.Runner = command.ExecRunner{}
	}
	if opts.Sink == nil && opts.Volume != nil {
		opts.Sink = VolumeSink{Volume: opts.Volume}
	}

	k := &Kernel{
		opts:     opts,
		now:      time.Now,
		registry: server.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: server.Namespace,
				Subsystem: "kernel",
				Name:      "invocations_total",
				Help:      "Total number of inference requests by final status",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: server.Namespace,
				Subsystem: "kernel",
				Name:      "invocation_duration_seconds",
				Help:      "Duration of inference requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
	}
	k.registry.MustRegister(k.invocations, k.duration)

	logPath := path.Join(k.deploymentPath(), "edi_logs", opts.PodName+"_inference.log")
	k.log = NewRemoteLog(opts.Volume, logPath, opts.ModelDir)
	return k
}

// within reports whether dir is strictly below root.
func within(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// deploymentPath is the per deployment directory, relative to the model dir
// locally and to the volume root remotely.
func (k *Kernel) deploymentPath() string {
	return path.Join("edi_deployments", k.opts.DeploymentName)
}

// ModelPath returns the directory the model archive unpacks to.
func (k *Kernel) ModelPath() string {
	return filepath.Join(k.opts.ModelDir, strings.TrimSuffix(k.opts.ModelFile, filepath.Ext(k.opts.ModelFile)))
}

func (k *Kernel) env() []string {
	env := []string{
		"DEEPLIIF_MODEL_DIR=" + k.ModelPath(),
		"DEEPLIIF_SEED=None",
	}
	if k.opts.Volume != nil {
		env = append(env, "VOLUME_DISPLAY_NAME="+k.opts.Volume.Name())
	}
	return env
}

// Start checks the credentials, fetches the model when it is not present
// and runs the start commands.
func (k *Kernel) Start(ctx context.Context) error {
	start := k.now()

	if k.opts.Tokens != nil {
		if _, err := k.opts.Tokens.Token(ctx); err != nil {
			return fmt.Errorf("failed to resolve access token: %w", err)
		}
	}

	if err := os.MkdirAll(k.opts.ModelDir, 0o755); err != nil {
		return err
	}

	if err := k.fetchModel(ctx); err != nil {
		return err
	}

	for _, args := range k.opts.StartCommands {
		if len(args) == 0 {
			continue
		}
		res, err := k.opts.Runner.Run(ctx, command.Command{
			Name: args[0],
			Args: args[1:],
			Dir:  k.opts.ModelDir,
			Env:  k.env(),
		})
		if err != nil {
			return fmt.Errorf("start command failed: %w", err)
		}
		log.Debug("ran start command", "command", strings.Join(args, " "), "output", string(res.Output))
	}

	log.Info("kernel initiation complete", "elapsed", k.now().Sub(start).Round(time.Millisecond))
	return nil
}

func (k *Kernel) fetchModel(ctx context.Context) error {
	if k.opts.ModelFile == "" {
		return nil
	}

	local := filepath.Join(k.opts.ModelDir, k.opts.ModelFile)
	if _, err := os.Stat(local); err == nil {
		log.Debug("model file already present", "path", local)
		return nil
	}
	if k.opts.Models == nil {
		return fmt.Errorf("model file %s is missing and no workspace is configured", local)
	}

	t := k.now()
	downloaded, err := k.opts.Models.Download(ctx, k.opts.ModelFile, k.opts.ModelDir)
	if err != nil {
		return fmt.Errorf("failed to download model file %s: %w", k.opts.ModelFile, err)
	}
	log.Info("model file download complete", "path", downloaded, "elapsed", k.now().Sub(t).Round(time.Millisecond))

	if _, err := archive.Unzip(downloaded, k.opts.ModelDir); err != nil {
		return fmt.Errorf("failed to unzip model file: %w", err)
	}
	return nil
}

// Invoke handles one inference request. Failures are reported in the
// returned output.
func (k *Kernel) Invoke(ctx context.Context, payload []byte) Output {
	start := k.now()
	out := Output{Status: StatusSubmitted, Log: []string{}}

	k.invoke(ctx, payload, &out)

	if out.Status != StatusFinished && out.Status != StatusFailed {
		out.Status = StatusFailed
	}
	k.invocations.WithLabelValues(out.Status).Inc()
	k.duration.Observe(k.now().Sub(start).Seconds())

	log.Info("inference request complete", "request", out.RequestID, "status", out.Status,
		"elapsed", k.now().Sub(start).Round(time.Millisecond))
	return out
}

func (k *Kernel) invoke(ctx context.Context, payload []byte, out *Output) {
	if k.opts.Tokens != nil {
		if _, err := k.opts.Tokens.Token(ctx); err != nil {
			out.Msg = err.Error()
			return
		}
	}

	req, err := ParseRequest(payload, k.opts.DefaultTileSize, out)
	if out.RequestID != "" {
		k.log.Append(ctx, out.RequestID+": inference request received")
	}
	if err != nil {
		out.fail(err.Error())
		return
	}

	outputPath := path.Join(k.deploymentPath(), "output_dir", req.ID)
	outputDir := filepath.Join(k.opts.ModelDir, filepath.FromSlash(outputPath))
	inputDir := filepath.Join(k.opts.ModelDir, filepath.FromSlash(k.deploymentPath()), "input_dir", req.ID)
	for _, dir := range []string{outputDir, inputDir} {
		if !within(k.opts.ModelDir, dir) {
			out.fail(fmt.Sprintf("Error: %s is outside the model directory", dir))
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			out.Msg = err.Error()
			return
		}
	}
	defer os.RemoveAll(inputDir)

	out.Status = StatusRunning
	out.Log = append(out.Log, "Getting input image")
	input, err := k.fetchInput(ctx, req, inputDir)
	if err != nil {
		out.Msg = err.Error()
		return
	}

	if len(k.opts.ScoringCommand) == 0 {
		out.fail("no scoring command configured")
		return
	}

	out.Log = append(out.Log, "Starting inference")
	t := k.now()

	args := append(append([]string(nil), k.opts.ScoringCommand[1:]...),
		"--input-dir", input,
		"--output-dir", outputDir,
		"--tile-size", strconv.Itoa(req.TileSize),
	)
	res, err := k.opts.Runner.Run(ctx, command.Command{
		Name: k.opts.ScoringCommand[0],
		Args: args,
		Dir:  k.opts.ModelDir,
		Env:  k.env(),
	})
	if err != nil {
		log.Error("inference failed", "request", req.ID, "error", err)
		detail := string(res.Output)
		if detail == "" {
			detail = err.Error()
		}
		out.Log = append(out.Log, detail)
		out.fail("Error: inference failed. Check the log field for more information.")
		return
	}

	out.Log = append(out.Log, "Images generated successfully",
		fmt.Sprintf("Inference complete...elapsed time: %s", k.now().Sub(t).Round(time.Millisecond)))

	if err := KeepImages(outputDir, req.Keepers()); err != nil {
		out.Msg = err.Error()
		return
	}

	if !req.UseVolume() {
		images, err := EncodeImages(outputDir)
		if err != nil {
			out.Msg = err.Error()
			return
		}
		out.Images = images
		out.Msg = fmt.Sprintf("%s: Inference complete, output images can be found in images field.", req.ID)
		out.Status = StatusFinished
		return
	}

	if k.opts.Sink == nil {
		out.Msg = "no result sink configured"
		return
	}
	location, err := k.opts.Sink.Upload(ctx, outputDir, outputPath)
	if err != nil {
		out.Msg = err.Error()
		return
	}
	out.Msg = fmt.Sprintf("%s: Inference complete, output files can be found in %s", req.ID, location)
	k.log.Append(ctx, out.Msg)
	out.Status = StatusFinished
}

// fetchInput places the input image under dir and returns the directory
// handed to the scoring command.
func (k *Kernel) fetchInput(ctx context.Context, req Request, dir string) (string, error) {
	if req.UseVolume() {
		if k.opts.Volume == nil {
			return "", errors.New("no storage volume configured")
		}
		downloaded, err := k.opts.Volume.Download(ctx, req.PathOnVolume, dir)
		if err != nil {
			return "", err
		}
		log.Debug("using image from storage volume", "path", req.PathOnVolume)

		// directories arrive as a zip archive
		if strings.HasSuffix(downloaded, ".zip") && !strings.HasSuffix(req.PathOnVolume, ".zip") {
			unpacked := strings.TrimSuffix(downloaded, ".zip")
			if _, err := archive.Unzip(downloaded, unpacked); err != nil {
				return "", err
			}
			return unpacked, nil
		}
		return filepath.Dir(downloaded), nil
	}

	data, err := base64.StdEncoding.DecodeString(req.LocalImage)
	if err != nil {
		return "", fmt.Errorf("failed to decode local_input_image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode local_input_image: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, localImageName))
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", err
	}
	log.Debug("using image from input")
	return dir, f.Close()
}

// KeepImages removes the files of dir whose image kind is not in keep.
func KeepImages(dir string, keep []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if slices.Contains(keep, ImageKind(e.Name())) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// EncodeImages returns the base64 content of every PNG below dir, keyed by
// file name.
func EncodeImages(dir string) (map[string]string, error) {
	images := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".png") {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		images[d.Name()] = base64.StdEncoding.EncodeToString(data)
		return nil
	})
	return images, err
}
