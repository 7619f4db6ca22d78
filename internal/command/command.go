// Package command runs external programs such as the deployment CLI and
// the scoring scripts.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
)

// Command describes a single program invocation. It never goes through a
// shell.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Stdout, when set, receives the combined output as it is produced.
	Stdout io.Writer
	// Secrets are masked when the command is printed.
	Secrets []string
}

func (c Command) String() string {
	s := strings.Join(append([]string{c.Name}, c.Args...), " ")
	for _, secret := range c.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

// Result is the outcome of a finished program.
type Result struct {
	ExitCode int
	Output   []byte
}

// Lines returns the output split into lines with trailing blanks removed.
func (r Result) Lines() []string {
	out := strings.TrimRight(string(r.Output), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// ExitError is returned for programs that exit with a non-zero code.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Output))
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands on the local machine.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	log.Debug("running command", "command", cmd.String(), "dir", cmd.Dir)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	if cmd.Stdout != nil {
		out = io.MultiWriter(&buf, cmd.Stdout)
	}
	c.Stdout = out
	c.Stderr = out

	err := c.Run()
	result := Result{Output: buf.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{Command: cmd.String(), ExitCode: result.ExitCode, Output: buf.String()}
	case err != nil:
		return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}

	return result, nil
}

// RunAndRetry reruns cmd until line number line of its output equals
// expect. The last result is returned either way.
func RunAndRetry(ctx context.Context, runner Runner, cmd Command, expect string, line int, attempts uint, delay time.Duration) (Result, error) {
	var result Result
	err := retry.Do(
		func() error {
			var err error
			result, err = runner.Run(ctx, cmd)
			if err != nil {
				return err
			}
			lines := result.Lines()
			if line < len(lines) && strings.TrimSpace(lines[line]) == expect {
				return nil
			}
			return fmt.Errorf("output of %s did not match %q", cmd.Name, expect)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("command did not succeed, retrying", "command", cmd.Name, "attempt", n+1, "error", err)
		}),
	)
	return result, err
}
