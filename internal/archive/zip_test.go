package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipDirRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "dependency")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "kernel.py"), []byte("print('hi')"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "util.py"), []byte("x = 1"), 0o644))

	dst := filepath.Join(t.TempDir(), "dependency.zip")
	require.NoError(t, ZipDir(src, dst))

	out := t.TempDir()
	paths, err := Unzip(dst, out)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(out, "dependency", "kernel.py"),
		filepath.Join(out, "dependency", "lib", "util.py"),
	}, paths)

	data, err := os.ReadFile(filepath.Join(out, "dependency", "lib", "util.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))
}

func TestUnzipRejectsTraversal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(src)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Unzip(src, t.TempDir())
	assert.ErrorContains(t, err, "illegal path")
}
