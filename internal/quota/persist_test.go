package quota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageRecord_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), UsageFileName)

	require.NoError(t, SaveUsage(path, 123456789))
	got, err := LoadUsage(path)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), got)

	require.NoError(t, SaveUsage(path, 42))
	got, err = LoadUsage(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadUsage_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadUsage(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	for name, content := range map[string]string{
		"garbage":  "not a number\n",
		"negative": "-10\n",
		"empty":    "",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))

			n, err := LoadUsage(path)
			assert.Error(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestSaveUsage_MissingDirectory(t *testing.T) {
	err := SaveUsage(filepath.Join(t.TempDir(), "nope", UsageFileName), 1)
	assert.Error(t, err)
}

func TestTracker(t *testing.T) {
	tr := NewTracker(-5)
	assert.Zero(t, tr.CurrentUsage())

	assert.Equal(t, int64(10), tr.AddUsage(10))
	assert.Equal(t, int64(4), tr.AddUsage(-6))

	tr.SetUsage(100)
	assert.Equal(t, int64(100), tr.CurrentUsage())
}

func TestRegistry(t *testing.T) {
	tracker := NewTracker(0)

	s, err := New("unlimited", Config{}, tracker, nil)
	require.NoError(t, err)
	assert.True(t, s.BeforeWrite(1<<50))
	assert.True(t, s.AfterWrite(7))
	assert.Equal(t, int64(7), tracker.CurrentUsage())

	s, err = New("standard", DefaultConfig(1000), tracker, &fakeCleaner{})
	require.NoError(t, err)
	assert.IsType(t, &Standard{}, s)
	s.(Closer).Close()

	_, err = New("nonexistent", DefaultConfig(1000), tracker, nil)
	assert.Error(t, err)
}
