// Package training submits model training jobs through the training
// submission CLI.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/cpd"
)

const (
	PyTorch     = "PyTorch"
	DistPyTorch = "distPyTorch"

	DefaultSubmissionDir = "/userfs/job_submission"
	DefaultCLI           = "dlicmd.py"
)

// ErrUnsupportedFramework is returned for frameworks other than PyTorch and
// distPyTorch.
var ErrUnsupportedFramework = errors.New("provide either PyTorch or distPyTorch as framework")

// Option is a single submission option. Names may repeat, each occurrence
// becomes its own flag.
type Option struct {
	Name        string
	Value       string
	Description string
}

// DefaultOptions returns the commonly used options of a framework with
// example values.
func DefaultOptions(framework string) ([]Option, error) {
	opts := []Option{
		{"exec-start", framework, "the framework to use, such as PyTorch or distPyTorch"},
		{"model-dir", DefaultSubmissionDir, "a local folder to be submitted, with the training scripts"},
		{"model-main", "train_command.py", "the main file to execute for training"},
		{"cs-datastore-meta", "type=fs,data_path=My_Datasets/", "location of the data in the data volume"},
		{"workerDeviceNum", "1", "number of GPU devices in one worker pod"},
		{"workerMemory", "8g", "memory of a worker pod"},
		{"msd-env", "varA=1", "custom environment variable, repeat the option for more"},
		{"msd-env", "varB=mytoken", "custom environment variable, repeat the option for more"},
	}

	switch framework {
	case PyTorch:
		return opts, nil
	case DistPyTorch:
		return append(opts, Option{"numWorker", "2", "number of worker pods, one process each; use workerDeviceNum 1 with distributed data parallel"}), nil
	default:
		return nil, fmt.Errorf("%q: %w", framework, ErrUnsupportedFramework)
	}
}

// processGroup starts the distributed process group before training.
const processGroup = `
import os
import torch.distributed as dist
def init_process():
    dist.init_process_group(
        backend='nccl',
        init_method='tcp://' + os.environ['MASTER_ADDR'] + ':' + os.environ['MASTER_PORT'],
        rank=int(os.environ['RANK']),
        world_size=int(os.environ['WORLD_SIZE']))

print('------ initiate process group... ------')
init_process()
`

type SubmissionOptions struct {
	// Files and Folders are glob patterns copied into Dir.
	Files   []string
	Folders []string
	Dir     string
	// Framework distPyTorch patches TrainingFile to start the process
	// group.
	Framework    string
	TrainingFile string
}

// PrepareSubmission recreates the submission folder from the given files
// and folders.
func PrepareSubmission(opts SubmissionOptions) error {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultSubmissionDir
	}
	if opts.Framework == DistPyTorch && opts.TrainingFile == "" {
		return errors.New("a training file is required to patch it for distPyTorch")
	}

	log.Info("copying files to the submission folder", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	for _, pattern := range opts.Files {
		matches, err := glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := copyFile(m, filepath.Join(dir, filepath.Base(m))); err != nil {
				return err
			}
		}
	}
	for _, pattern := range opts.Folders {
		matches, err := glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := copyTree(m, filepath.Join(dir, filepath.Base(m))); err != nil {
				return err
			}
		}
	}

	if opts.Framework == DistPyTorch {
		target := filepath.Join(dir, opts.TrainingFile)
		log.Info("patching training file", "path", target, "framework", opts.Framework)
		content, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("failed to read training file: %w", err)
		}
		patched := processGroup + "\n\n" + string(content)
		if err := os.WriteFile(target, []byte(patched), 0o644); err != nil {
			return fmt.Errorf("failed to patch training file: %w", err)
		}
	}
	return nil
}

func glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no such file or directory: %s", pattern)
	}
	return matches, nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, add it as a folder", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

// Submitter runs the submission CLI.
type Submitter struct {
	Runner command.Runner
	Tokens cpd.TokenSource
	// Python runs CLI, the submission script.
	Python string
	CLI    string
	// RestHost is the host name of the training console.
	RestHost string
	RestPort int
	Dir      string
	Output   io.Writer
}

// reserved options are filled in by the submitter.
var reserved = map[string]bool{"rest-host": true, "rest-port": true, "jwt-token": true}

// Args returns the CLI arguments for options, without the token.
func (s *Submitter) Args(options []Option) []string {
	args := []string{s.CLI}
	for _, o := range options {
		name := strings.ReplaceAll(o.Name, "_", "-")
		if reserved[name] {
			continue
		}
		args = append(args, "--"+name, o.Value)
	}
	return append(args, "--rest-host", s.RestHost, "--rest-port", strconv.Itoa(s.RestPort))
}

// Submit submits a training job.
func (s *Submitter) Submit(ctx context.Context, options []Option) (command.Result, error) {
	if len(options) == 0 {
		return command.Result{}, errors.New("no submission options given")
	}
	token, err := s.Tokens.Token(ctx)
	if err != nil {
		return command.Result{}, err
	}

	cmd := command.Command{
		Name:    s.Python,
		Args:    append(s.Args(options), "--jwt-token", token),
		Dir:     s.Dir,
		Stdout:  s.Output,
		Secrets: []string{token},
	}
	log.Info("submitting training job", "command", cmd.String())

	res, err := s.Runner.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("failed to submit training job: %w", err)
	}
	return res, nil
}
