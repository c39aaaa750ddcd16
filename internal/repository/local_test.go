package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasew/contentcache/internal/quota"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func staticFetcher(content string, declared int64) Fetcher {
	return func() (io.ReadCloser, int64, error) {
		return io.NopCloser(strings.NewReader(content)), declared, nil
	}
}

type recorder struct {
	mu      sync.Mutex
	added   map[string]int64
	touched []string
}

func newRecorder() *recorder {
	return &recorder{added: make(map[string]int64)}
}

func (r *recorder) Add(_ context.Context, key string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added[key] = size
}

func (r *recorder) Touch(_ context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, key)
}

// scriptedQuota answers with fixed decisions and records what it was asked.
type scriptedQuota struct {
	before, after bool
	beforeSizes   []int64
	afterSizes    []int64
}

func (q *scriptedQuota) BeforeWrite(size int64) bool {
	q.beforeSizes = append(q.beforeSizes, size)
	return q.before
}

func (q *scriptedQuota) AfterWrite(size int64) bool {
	q.afterSizes = append(q.afterSizes, size)
	return q.after
}

func TestLocalRepository_GetOrFetch(t *testing.T) {
	cacheDir := t.TempDir()
	rec := newRecorder()
	repo := NewLocalRepository(cacheDir, nil, rec)
	ctx := context.Background()
	algo := "sha256"

	content := "test content"
	hash := sha256Hex(content)

	t.Run("Cache Miss Success", func(t *testing.T) {
		fetchCalled := false
		fetcher := func() (io.ReadCloser, int64, error) {
			fetchCalled = true
			return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
		}

		rc, size, err := repo.GetOrFetch(ctx, algo, hash, fetcher)
		if err != nil {
			t.Fatalf("GetOrFetch failed: %v", err)
		}
		defer func() { _ = rc.Close() }()

		if !fetchCalled {
			t.Error("Fetcher was not called on cache miss")
		}
		if size != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), size)
		}
		data, _ := io.ReadAll(rc)
		if string(data) != content {
			t.Errorf("Expected content %q, got %q", content, string(data))
		}
		if rec.added[Key(algo, hash)] != int64(len(content)) {
			t.Errorf("Expected entry to be recorded, got %v", rec.added)
		}
	})

	t.Run("Cache Hit", func(t *testing.T) {
		fetcher := func() (io.ReadCloser, int64, error) {
			t.Error("Fetcher WAS called on cache hit")
			return io.NopCloser(strings.NewReader("")), 0, nil
		}

		rc, size, err := repo.GetOrFetch(ctx, algo, hash, fetcher)
		if err != nil {
			t.Fatalf("GetOrFetch failed: %v", err)
		}
		defer func() { _ = rc.Close() }()

		if size != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), size)
		}
		if len(rec.touched) == 0 {
			t.Error("Expected cache hit to be recorded as an access")
		}
	})

	t.Run("Fetch Error", func(t *testing.T) {
		fetcher := func() (io.ReadCloser, int64, error) {
			return nil, 0, io.ErrUnexpectedEOF
		}

		_, _, err := repo.GetOrFetch(ctx, algo, sha256Hex("other"), fetcher)
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
		}
	})

	t.Run("Hash Mismatch", func(t *testing.T) {
		reqHash := strings.Repeat("1", 64)
		_, _, err := repo.GetOrFetch(ctx, algo, reqHash, staticFetcher(content, -1))
		if !errors.Is(err, ErrHashMismatch) {
			t.Errorf("Expected ErrHashMismatch, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(cacheDir, algo, reqHash)); !os.IsNotExist(err) {
			t.Error("Mismatched content must not be stored")
		}
	})

	t.Run("Unsupported Algorithm", func(t *testing.T) {
		err := repo.Put(ctx, "md5", "abc", staticFetcher(content, 0))
		if err == nil {
			t.Error("Expected error for unsupported algorithm")
		}
	})
}

func TestLocalRepository_Quota(t *testing.T) {
	ctx := context.Background()
	content := "quota content"
	hash := sha256Hex(content)

	t.Run("Denied Before Write", func(t *testing.T) {
		cacheDir := t.TempDir()
		q := &scriptedQuota{before: false, after: true}
		repo := NewLocalRepository(cacheDir, q, nil)

		read := false
		fetcher := func() (io.ReadCloser, int64, error) {
			return io.NopCloser(readFunc(func(p []byte) (int, error) {
				read = true
				return 0, io.EOF
			})), 42, nil
		}

		err := repo.Put(ctx, "sha256", hash, fetcher)
		if !errors.Is(err, ErrQuotaDenied) {
			t.Fatalf("Expected ErrQuotaDenied, got %v", err)
		}
		if read {
			t.Error("Denied content must not be read")
		}
		if len(q.beforeSizes) != 1 || q.beforeSizes[0] != 42 {
			t.Errorf("Expected BeforeWrite(42), got %v", q.beforeSizes)
		}
		if len(q.afterSizes) != 0 {
			t.Errorf("AfterWrite must not be called on denial, got %v", q.afterSizes)
		}
	})

	t.Run("Unknown Size Offered As Zero", func(t *testing.T) {
		q := &scriptedQuota{before: true, after: true}
		repo := NewLocalRepository(t.TempDir(), q, nil)

		if err := repo.Put(ctx, "sha256", hash, staticFetcher(content, -1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if q.beforeSizes[0] != 0 {
			t.Errorf("Expected BeforeWrite(0), got %v", q.beforeSizes)
		}
		if q.afterSizes[0] != int64(len(content)) {
			t.Errorf("Expected AfterWrite(%d), got %v", len(content), q.afterSizes)
		}
	})

	t.Run("Discarded After Write", func(t *testing.T) {
		cacheDir := t.TempDir()
		q := &scriptedQuota{before: true, after: false}
		rec := newRecorder()
		repo := NewLocalRepository(cacheDir, q, rec)

		err := repo.Put(ctx, "sha256", hash, staticFetcher(content, int64(len(content))))
		if !errors.Is(err, ErrQuotaDiscarded) {
			t.Fatalf("Expected ErrQuotaDiscarded, got %v", err)
		}
		if exists, _ := repo.Exists(ctx, "sha256", hash); exists {
			t.Error("Discarded file must be removed")
		}
		if len(rec.added) != 0 {
			t.Error("Discarded file must not be recorded")
		}
	})

	t.Run("Standard Strategy Credits Usage", func(t *testing.T) {
		tracker := quota.NewTracker(0)
		cfg := quota.DefaultConfig(1 << 20)
		cfg.MaxFileSizeBytes = 5
		s, err := quota.NewStandard(cfg, tracker, nil)
		if err != nil {
			t.Fatalf("NewStandard failed: %v", err)
		}
		repo := NewLocalRepository(t.TempDir(), s, nil)

		small := "tiny"
		if err := repo.Put(ctx, "sha256", sha256Hex(small), staticFetcher(small, -1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if tracker.CurrentUsage() != int64(len(small)) {
			t.Errorf("Expected usage %d, got %d", len(small), tracker.CurrentUsage())
		}

		// Declared size unknown, so it is admitted and discarded afterwards.
		err = repo.Put(ctx, "sha256", hash, staticFetcher(content, -1))
		if !errors.Is(err, ErrQuotaDiscarded) {
			t.Errorf("Expected ErrQuotaDiscarded, got %v", err)
		}
		err = repo.Put(ctx, "sha256", hash, staticFetcher(content, int64(len(content))))
		if !errors.Is(err, ErrQuotaDenied) {
			t.Errorf("Expected ErrQuotaDenied, got %v", err)
		}
		if tracker.CurrentUsage() != int64(len(small)) {
			t.Errorf("Rejected content must not be credited, got %d", tracker.CurrentUsage())
		}
	})
}

func countingFetcher(content string, declared int64, calls *int) Fetcher {
	return func() (io.ReadCloser, int64, error) {
		*calls++
		return io.NopCloser(strings.NewReader(content)), declared, nil
	}
}

func TestLocalRepository_PutOrSpool(t *testing.T) {
	ctx := context.Background()
	content := "spooled content"
	hash := sha256Hex(content)

	t.Run("Stored When Admitted", func(t *testing.T) {
		repo := NewLocalRepository(t.TempDir(), &scriptedQuota{before: true, after: true}, nil)
		rc, _, err := repo.PutOrSpool(ctx, "sha256", hash, staticFetcher(content, -1))
		if err != nil || rc != nil {
			t.Fatalf("Expected content to be stored, got %v %v", rc, err)
		}
		if exists, _ := repo.Exists(ctx, "sha256", hash); !exists {
			t.Error("Expected entry to exist")
		}
	})

	for _, tc := range []struct {
		name  string
		quota *scriptedQuota
	}{
		{"Denied", &scriptedQuota{before: false, after: true}},
		{"Discarded", &scriptedQuota{before: true, after: false}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cacheDir := t.TempDir()
			repo := NewLocalRepository(cacheDir, tc.quota, nil)
			calls := 0

			rc, size, err := repo.PutOrSpool(ctx, "sha256", hash, countingFetcher(content, int64(len(content)), &calls))
			if err != nil {
				t.Fatalf("PutOrSpool failed: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()

			if string(data) != content || size != int64(len(content)) {
				t.Errorf("Expected spooled %q (%d), got %q (%d)", content, len(content), data, size)
			}
			if calls != 1 {
				t.Errorf("Expected one fetch, got %d", calls)
			}
			if exists, _ := repo.Exists(ctx, "sha256", hash); exists {
				t.Error("Refused content must not be cached")
			}
			var leftovers []string
			_ = filepath.Walk(cacheDir, func(path string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() {
					leftovers = append(leftovers, path)
				}
				return nil
			})
			if len(leftovers) != 0 {
				t.Errorf("Expected no files left behind, got %v", leftovers)
			}
		})
	}

	t.Run("Denied Content Is Verified", func(t *testing.T) {
		repo := NewLocalRepository(t.TempDir(), &scriptedQuota{before: false, after: true}, nil)
		rc, _, err := repo.PutOrSpool(ctx, "sha256", hash, staticFetcher("something else", -1))
		if !errors.Is(err, ErrHashMismatch) {
			t.Errorf("Expected ErrHashMismatch, got %v", err)
		}
		if rc != nil {
			t.Error("Mismatched content must not be handed out")
		}
	})
}

func TestLocalRepository_WalkDelete(t *testing.T) {
	cacheDir := t.TempDir()
	repo := NewLocalRepository(cacheDir, nil, nil)
	ctx := context.Background()

	for _, c := range []string{"one", "two"} {
		if err := repo.Put(ctx, "sha256", sha256Hex(c), staticFetcher(c, int64(len(c)))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// Noise that must not be reported as entries.
	if err := quota.SaveUsage(filepath.Join(cacheDir, quota.UsageFileName), 99); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cacheDir, "unknown"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "unknown", "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int64)
	err := repo.Walk(func(key string, size int64, modTime time.Time) error {
		seen[key] = size
		return nil
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(seen) != 2 || seen[Key("sha256", sha256Hex("one"))] != 3 {
		t.Errorf("unexpected walk result: %v", seen)
	}

	key := Key("sha256", sha256Hex("one"))
	if err := repo.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Delete(key); err != nil {
		t.Errorf("Deleting a missing entry should succeed, got %v", err)
	}
	if exists, _ := repo.Exists(ctx, "sha256", sha256Hex("one")); exists {
		t.Error("Expected entry to be deleted")
	}
}

func TestUpstreamRepository(t *testing.T) {
	content := "upstream content"
	hash := sha256Hex(content)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fetch/sha256/"+hash {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	defer ts.Close()

	repo := NewUpstreamRepository(ts.URL+"/", nil)
	ctx := context.Background()

	if ok, err := repo.Exists(ctx, "sha256", hash); err != nil || !ok {
		t.Errorf("Expected Exists to be true, got %v (%v)", ok, err)
	}
	rc, _, err := repo.Get(ctx, "sha256", hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != content {
		t.Errorf("Expected %q, got %q", content, string(data))
	}

	_, _, err = repo.Get(ctx, "sha256", "missing")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 HTTPStatusError, got %v", err)
	}
}

type readFunc func(p []byte) (int, error)

func (f readFunc) Read(p []byte) (int, error) { return f(p) }
