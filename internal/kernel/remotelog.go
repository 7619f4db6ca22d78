package kernel

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/volume"
)

// logTimestampLayout renders "[2024-03-01 12:00:00+0000]".
const logTimestampLayout = "[2006-01-02 15:04:05-0700]"

// RemoteLog appends timestamped blocks to a log file kept on the storage
// volume. A local copy under dir is written even when the volume is
// unreachable.
type RemoteLog struct {
	volume Volume
	path   string
	dir    string
	now    func() time.Time

	mu sync.Mutex
}

// NewRemoteLog creates a log at volume path p mirrored under dir.
func NewRemoteLog(vol Volume, p, dir string) *RemoteLog {
	return &RemoteLog{volume: vol, path: p, dir: dir, now: time.Now}
}

// Path returns the location of the log on the volume.
func (l *RemoteLog) Path() string {
	return l.path
}

// Append writes a block made of a timestamp header, the lines and a blank
// separator line. Volume errors are logged, not returned.
func (l *RemoteLog) Append(ctx context.Context, lines ...string) {
	for _, line := range lines {
		log.Info(line)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	local := filepath.Join(l.dir, filepath.FromSlash(l.path))
	l.fetch(ctx, local)

	block := make([]string, 0, len(lines)+2)
	block = append(block, l.now().UTC().Format(logTimestampLayout))
	block = append(block, lines...)
	block = append(block, "")

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		log.Warn("failed to create log directory", "error", err)
		return
	}
	f, err := os.OpenFile(local, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn("failed to open log file", "path", local, "error", err)
		return
	}
	_, err = f.WriteString(strings.Join(block, "\n") + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Warn("failed to write log file", "path", local, "error", err)
		return
	}

	if l.volume == nil {
		return
	}
	data, err := os.ReadFile(local)
	if err != nil {
		log.Warn("failed to read log file", "path", local, "error", err)
		return
	}
	if err := l.volume.UploadBytes(ctx, l.path, data); err != nil {
		log.Warn("failed to upload log file", "path", l.path, "error", err)
	}
}

// fetch replaces the local copy with the volume one when it exists there.
func (l *RemoteLog) fetch(ctx context.Context, local string) {
	if l.volume == nil {
		return
	}

	files, err := l.volume.List(ctx, path.Dir(l.path), volume.ListOptions{FilesOnly: true})
	if err != nil {
		return
	}
	for _, f := range files {
		if path.Base(f.Path) != path.Base(l.path) {
			continue
		}
		data, err := l.volume.ReadFile(ctx, l.path)
		if err != nil {
			log.Warn("failed to read log file from volume", "path", l.path, "error", err)
			return
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			log.Warn("failed to refresh local log file", "path", local, "error", err)
		}
		return
	}
}
