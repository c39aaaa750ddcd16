package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lucasew/contentcache/internal/repository"
)

func TestService(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file":
			_, _ = w.Write([]byte("from origin"))
		case "/fetch/sha256/cached":
			_, _ = w.Write([]byte("from upstream"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer origin.Close()

	ctx := context.Background()
	upstream := repository.NewUpstreamRepository(origin.URL, nil)
	svc := NewService([]repository.Repository{upstream}, nil)

	read := func(t *testing.T, rc io.ReadCloser, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		defer func() { _ = rc.Close() }()
		data, _ := io.ReadAll(rc)
		return string(data)
	}

	t.Run("Upstream First", func(t *testing.T) {
		rc, _, err := svc.Fetch(ctx, "sha256", "cached", []string{origin.URL + "/file"})
		if got := read(t, rc, err); got != "from upstream" {
			t.Errorf("expected upstream content, got %q", got)
		}
	})

	t.Run("Source URL Fallback", func(t *testing.T) {
		rc, size, err := svc.Fetch(ctx, "sha256", "other", []string{origin.URL + "/missing", origin.URL + "/file"})
		if got := read(t, rc, err); got != "from origin" {
			t.Errorf("expected origin content, got %q", got)
		}
		if size != int64(len("from origin")) {
			t.Errorf("expected declared size, got %d", size)
		}
	})

	t.Run("Not Found", func(t *testing.T) {
		_, _, err := svc.Fetch(ctx, "sha256", "other", []string{origin.URL + "/missing"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		var statusErr *repository.HTTPStatusError
		if !errors.As(err, &statusErr) {
			t.Errorf("expected wrapped HTTPStatusError, got %v", err)
		}

		_, _, err = NewService(nil, nil).Fetch(ctx, "sha256", "x", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound with no sources, got %v", err)
		}
	})
}
