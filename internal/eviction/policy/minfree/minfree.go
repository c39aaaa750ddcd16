package minfree

import (
	"fmt"
	"log/slog"
	"syscall"

	"github.com/dustin/go-humanize"
)

// Policy frees enough to keep MinFreeBytes available on the filesystem holding Path.
type Policy struct {
	Path         string
	MinFreeBytes int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	free, err := FreeBytes(m.Path)
	if err != nil {
		return 0, err
	}

	slog.Debug("Disk space check", "path", m.Path, "free", humanize.IBytes(uint64(free)), "min_required", humanize.IBytes(uint64(m.MinFreeBytes)))

	if free < m.MinFreeBytes {
		return min(m.MinFreeBytes-free, currentSize), nil
	}
	return 0, nil
}

// FreeBytes returns the space available to unprivileged users on the filesystem holding path.
func FreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
