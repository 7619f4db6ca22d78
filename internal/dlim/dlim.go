// Package dlim drives the deployment CLI of the inference platform.
package dlim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/cpd"
)

// Executable is the file name of the deployment CLI.
const Executable = "dlim"

// StatusIdle is the status of a started deployment ready to serve.
const StatusIdle = "IDLE"

var (
	// ErrNotFound is returned when the CLI cannot be located.
	ErrNotFound = errors.New("dlim program not found")
	// ErrNotExecutable is returned when the CLI is found without execute
	// permission.
	ErrNotExecutable = errors.New("dlim program not executable")
)

// Locate finds the CLI. explicit may name the program or its directory and
// is tried first, then each of searchPaths, then $PATH.
func Locate(explicit string, searchPaths []string) (string, error) {
	var candidates []string
	if explicit != "" {
		if info, err := os.Stat(explicit); err == nil && !info.IsDir() {
			candidates = append(candidates, explicit)
		} else {
			candidates = append(candidates, filepath.Join(explicit, Executable))
		}
	}
	for _, dir := range searchPaths {
		candidates = append(candidates, filepath.Join(dir, Executable))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%s: %w, check its permissions", candidate, ErrNotExecutable)
		}
		return candidate, nil
	}

	if path, err := exec.LookPath(Executable); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w, searched %s and $PATH", ErrNotFound, strings.Join(candidates, ", "))
}

// CLI runs deployment CLI commands against one REST server.
type CLI struct {
	path       string
	restServer string
	tokens     cpd.TokenSource
	runner     command.Runner
	out        io.Writer

	idleAttempts uint
	idleDelay    time.Duration
}

type Option func(*CLI)

// WithRunner replaces the command runner.
func WithRunner(r command.Runner) Option {
	return func(c *CLI) {
		c.runner = r
	}
}

// WithOutput streams command output to w as it is produced.
func WithOutput(w io.Writer) Option {
	return func(c *CLI) {
		c.out = w
	}
}

// WithIdleWait sets how often and how long WaitForIdle polls.
func WithIdleWait(attempts uint, delay time.Duration) Option {
	return func(c *CLI) {
		c.idleAttempts = attempts
		c.idleDelay = delay
	}
}

// New creates a CLI wrapper for the program at path.
func New(path, restServer string, tokens cpd.TokenSource, opts ...Option) *CLI {
	c := &CLI{
		path:         path,
		restServer:   restServer,
		tokens:       tokens,
		runner:       command.ExecRunner{},
		idleAttempts: 60,
		idleDelay:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) command(ctx context.Context, args ...string) (command.Command, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return command.Command{}, fmt.Errorf("failed to get access token: %w", err)
	}

	args = append(args, "--rest-server", c.restServer, "--jwt-token", token)
	return command.Command{Name: c.path, Args: args, Stdout: c.out, Secrets: []string{token}}, nil
}

func (c *CLI) run(ctx context.Context, args ...string) (command.Result, error) {
	cmd, err := c.command(ctx, args...)
	if err != nil {
		return command.Result{}, err
	}
	return c.runner.Run(ctx, cmd)
}

// Deploy registers the deployment package in dir.
func (c *CLI) Deploy(ctx context.Context, dir string) error {
	if _, err := c.run(ctx, "model", "deploy", "-p", dir); err != nil {
		return fmt.Errorf("failed to deploy %s: %w", dir, err)
	}
	log.Info("deployed package", "dir", dir)
	return nil
}

// Start starts a deployment.
func (c *CLI) Start(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "model", "start", name); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// Stop stops a deployment.
func (c *CLI) Stop(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "model", "stop", name, "-f"); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// Undeploy removes a deployment.
func (c *CLI) Undeploy(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "model", "undeploy", name, "-f"); err != nil {
		return fmt.Errorf("failed to undeploy %s: %w", name, err)
	}
	return nil
}

// List returns the output of the deployment listing.
func (c *CLI) List(ctx context.Context) (string, error) {
	res, err := c.run(ctx, "model", "list")
	if err != nil {
		return "", fmt.Errorf("failed to list deployments: %w", err)
	}
	return string(res.Output), nil
}

// View returns the detailed status lines of a deployment.
func (c *CLI) View(ctx context.Context, name string) ([]string, error) {
	res, err := c.run(ctx, "model", "view", name, "-s", "-a")
	if err != nil {
		return nil, fmt.Errorf("failed to view %s: %w", name, err)
	}
	return res.Lines(), nil
}

// ViewItem returns the value of the first "Key: value" line of the
// deployment view starting with key.
func (c *CLI) ViewItem(ctx context.Context, name, key string) (string, error) {
	lines, err := c.View(ctx, name)
	if err != nil {
		return "", err
	}
	return Item(lines, key)
}

// Item extracts the value of key from "Key: value" lines.
func Item(lines []string, key string) (string, error) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			continue
		}
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		return strings.TrimSpace(value), nil
	}
	return "", fmt.Errorf("no %q item in deployment view", key)
}

// WaitForIdle polls the deployment status until it reports IDLE.
func (c *CLI) WaitForIdle(ctx context.Context, name string) error {
	return retry.Do(
		func() error {
			status, err := c.ViewItem(ctx, name, "Status")
			if err != nil {
				return err
			}
			if status != StatusIdle {
				return fmt.Errorf("deployment %s is %s", name, status)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.idleAttempts),
		retry.Delay(c.idleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("waiting for deployment to become idle", "name", name, "attempt", n+1, "error", err)
		}),
	)
}
