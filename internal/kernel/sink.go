package kernel

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/deepliif/mlops/internal/volume"
)

// Volume is the part of the storage volume API the kernel uses.
type Volume interface {
	Name() string
	List(ctx context.Context, dir string, opts volume.ListOptions) ([]volume.Entry, error)
	Download(ctx context.Context, source, target string) (string, error)
	ReadFile(ctx context.Context, p string) ([]byte, error)
	UploadBytes(ctx context.Context, target string, data []byte) error
}

// Sink receives the output directory of a finished request. Upload returns
// a human readable location of the results.
type Sink interface {
	Upload(ctx context.Context, dir, target string) (string, error)
}

// VolumeSink writes results to the storage volume, mirroring the local
// layout below target.
type VolumeSink struct {
	Volume Volume
}

func (s VolumeSink) Upload(ctx context.Context, dir, target string) (string, error) {
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return s.Volume.UploadBytes(ctx, path.Join(target, filepath.ToSlash(rel)), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload results to storage volume %s: %w", s.Volume.Name(), err)
	}
	return fmt.Sprintf("%s (storage volume %s)", target, s.Volume.Name()), nil
}
