package quota

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucasew/contentcache/internal/errutil"
)

// UsageFileName is the name of the usage record inside the cache directory.
const UsageFileName = "cache-usage"

// LoadUsage reads a usage record written by SaveUsage.
func LoadUsage(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage record: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt usage record %s: %w", path, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("corrupt usage record %s: negative usage %d", path, n)
	}
	return n, nil
}

// SaveUsage atomically replaces the usage record at path.
func SaveUsage(path string, usage int64) error {
	if usage < 0 {
		usage = 0
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp usage record: %w", err)
	}
	defer func() {
		if _, statErr := os.Stat(tmp.Name()); statErr == nil {
			errutil.LogMsg(os.Remove(tmp.Name()), "Failed to remove temp usage record", "path", tmp.Name())
		}
	}()

	if _, err := tmp.WriteString(strconv.FormatInt(usage, 10) + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write usage record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync usage record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close usage record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename usage record: %w", err)
	}
	return nil
}
