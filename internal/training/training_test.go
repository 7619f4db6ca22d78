package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepliif/mlops/internal/command"
	"github.com/deepliif/mlops/internal/cpd"
)

func TestDefaultOptions(t *testing.T) {
	tests := []struct {
		framework string
		count     int
		last      string
		wantErr   error
	}{
		{framework: PyTorch, count: 8, last: "msd-env"},
		{framework: DistPyTorch, count: 9, last: "numWorker"},
		{framework: "TensorFlow", wantErr: ErrUnsupportedFramework},
	}

	for _, tt := range tests {
		t.Run(tt.framework, func(t *testing.T) {
			opts, err := DefaultOptions(tt.framework)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, opts, tt.count)
			assert.Equal(t, Option{"exec-start", tt.framework, opts[0].Description}, opts[0])
			assert.Equal(t, tt.last, opts[len(opts)-1].Name)
		})
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPrepareSubmission(t *testing.T) {
	src := t.TempDir()
	write(t, filepath.Join(src, "train.py"), "print('train')\n")
	write(t, filepath.Join(src, "train_command.py"), "import subprocess\n")
	write(t, filepath.Join(src, "code-a", "model.py"), "class Model: pass\n")
	write(t, filepath.Join(src, "code-a", "nested", "util.py"), "X = 1\n")

	dir := filepath.Join(t.TempDir(), "job_submission")
	write(t, filepath.Join(dir, "stale.py"), "old\n")

	err := PrepareSubmission(SubmissionOptions{
		Files:        []string{filepath.Join(src, "train*.py")},
		Folders:      []string{filepath.Join(src, "code-*")},
		Dir:          dir,
		Framework:    DistPyTorch,
		TrainingFile: "train.py",
	})
	require.NoError(t, err)

	var got []string
	require.NoError(t, filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			got = append(got, filepath.ToSlash(rel))
		}
		return err
	}))
	assert.ElementsMatch(t, []string{"train.py", "train_command.py", "code-a/model.py", "code-a/nested/util.py"}, got)

	patched, err := os.ReadFile(filepath.Join(dir, "train.py"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(patched), processGroup))
	assert.True(t, strings.HasSuffix(string(patched), "\n\nprint('train')\n"))

	plain, err := os.ReadFile(filepath.Join(dir, "train_command.py"))
	require.NoError(t, err)
	assert.Equal(t, "import subprocess\n", string(plain))
}

func TestPrepareSubmissionErrors(t *testing.T) {
	src := t.TempDir()
	write(t, filepath.Join(src, "code", "a.py"), "")

	tests := []struct {
		name string
		opts SubmissionOptions
		want string
	}{
		{"missing file", SubmissionOptions{Files: []string{filepath.Join(src, "nope.py")}}, "no such file or directory"},
		{"folder as file", SubmissionOptions{Files: []string{filepath.Join(src, "code")}}, "is a directory"},
		{"dist without training file", SubmissionOptions{Framework: DistPyTorch}, "training file is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Dir = filepath.Join(t.TempDir(), "submission")
			assert.ErrorContains(t, PrepareSubmission(tt.opts), tt.want)
		})
	}
}

type recordingRunner struct {
	cmd command.Command
	err error
}

func (r *recordingRunner) Run(_ context.Context, cmd command.Command) (command.Result, error) {
	r.cmd = cmd
	return command.Result{Output: []byte("job submitted")}, r.err
}

func TestSubmit(t *testing.T) {
	runner := &recordingRunner{}
	s := &Submitter{
		Runner:   runner,
		Tokens:   cpd.StaticToken("secret-token"),
		Python:   "python",
		CLI:      "dlicmd.py",
		RestHost: "wmla-console.example.com",
		RestPort: -1,
	}

	res, err := s.Submit(context.Background(), []Option{
		{Name: "exec-start", Value: PyTorch},
		{Name: "msd_env", Value: "varA=1"},
		{Name: "msd-env", Value: "varB=2"},
		{Name: "rest-host", Value: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job submitted", string(res.Output))

	assert.Equal(t, "python", runner.cmd.Name)
	assert.Equal(t, []string{
		"dlicmd.py",
		"--exec-start", "PyTorch",
		"--msd-env", "varA=1",
		"--msd-env", "varB=2",
		"--rest-host", "wmla-console.example.com",
		"--rest-port", "-1",
		"--jwt-token", "secret-token",
	}, runner.cmd.Args)
	assert.NotContains(t, runner.cmd.String(), "secret-token")

	_, err = s.Submit(context.Background(), nil)
	assert.EqualError(t, err, "no submission options given")

	runner.err = errors.New("exit status 2")
	_, err = s.Submit(context.Background(), []Option{{Name: "exec-start", Value: PyTorch}})
	assert.ErrorContains(t, err, "failed to submit training job")
}
