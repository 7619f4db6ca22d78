package dlim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/cpd"
)

type fakeRunner struct {
	calls   []command.Command
	outputs []string
}

func (f *fakeRunner) Run(_ context.Context, cmd command.Command) (command.Result, error) {
	f.calls = append(f.calls, cmd)
	out := ""
	if len(f.outputs) > 0 {
		out = f.outputs[0]
		if len(f.outputs) > 1 {
			f.outputs = f.outputs[1:]
		}
	}
	return command.Result{Output: []byte(out)}, nil
}

func newTestCLI(outputs ...string) (*CLI, *fakeRunner) {
	runner := &fakeRunner{outputs: outputs}
	cli := New("/opt/bin/dlim", "https://wmla.example.com/dlim/v1/", cpd.StaticToken("tok"),
		WithRunner(runner), WithIdleWait(3, time.Millisecond))
	return cli, runner
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	cli, runner := newTestCLI()

	require.NoError(t, cli.Deploy(ctx, "/tmp/pkg"))
	require.NoError(t, cli.Start(ctx, "deepliif"))
	require.NoError(t, cli.Stop(ctx, "deepliif"))
	require.NoError(t, cli.Undeploy(ctx, "deepliif"))

	var got []string
	for _, c := range runner.calls {
		assert.Equal(t, "/opt/bin/dlim", c.Name)
		got = append(got, c.String())
	}
	suffix := " --rest-server https://wmla.example.com/dlim/v1/ --jwt-token ***"
	assert.Equal(t, []string{
		"/opt/bin/dlim model deploy -p /tmp/pkg" + suffix,
		"/opt/bin/dlim model start deepliif" + suffix,
		"/opt/bin/dlim model stop deepliif -f" + suffix,
		"/opt/bin/dlim model undeploy deepliif -f" + suffix,
	}, got)
	assert.Equal(t, "tok", runner.calls[0].Args[len(runner.calls[0].Args)-1])
}

func TestItem(t *testing.T) {
	lines := []string{
		"Name:    deepliif",
		"  Status:  IDLE",
		"Kernel Status: running",
	}

	tests := []struct {
		key  string
		want string
		err  bool
	}{
		{key: "Status", want: "IDLE"},
		{key: "Kernel Status", want: "running"},
		{key: "Missing", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := Item(lines, tt.key)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWaitForIdle(t *testing.T) {
	cli, runner := newTestCLI("Status: DEPLOYING", "Status: DEPLOYING", "Status: IDLE")

	require.NoError(t, cli.WaitForIdle(context.Background(), "deepliif"))
	assert.Len(t, runner.calls, 3)
}

func TestWaitForIdleGivesUp(t *testing.T) {
	cli, runner := newTestCLI("Status: ERROR")

	err := cli.WaitForIdle(context.Background(), "deepliif")
	assert.ErrorContains(t, err, "deployment deepliif is ERROR")
	assert.Len(t, runner.calls, 3)
}

func TestLocate(t *testing.T) {
	t.Setenv("PATH", "")

	exe := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(exe, Executable), []byte("#!/bin/sh\n"), 0o755))

	noexec := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(noexec, Executable), []byte("#!/bin/sh\n"), 0o644))

	empty := t.TempDir()

	path, err := Locate("", []string{empty, exe})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exe, Executable), path)

	path, err = Locate(filepath.Join(exe, Executable), []string{noexec})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exe, Executable), path)

	_, err = Locate(noexec, []string{exe})
	assert.ErrorIs(t, err, ErrNotExecutable)

	_, err = Locate("", []string{empty})
	assert.ErrorIs(t, err, ErrNotFound)
}
