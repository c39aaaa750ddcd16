package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/repository"
)

// ErrNotFound is returned when no upstream or source URL could provide the content.
var ErrNotFound = errors.New("content not found in upstreams or source URLs")

// Fetcher opens content that is missing from the local cache.
type Fetcher interface {
	Fetch(ctx context.Context, algo, hash string, urls []string) (io.ReadCloser, int64, error)
}

// Service tries upstream cache servers first, then the source URLs, in order.
// The returned body is not verified; the local repository checks the hash
// while storing.
type Service struct {
	Upstreams []repository.Repository
	Client    *http.Client
}

func NewService(upstreams []repository.Repository, client *http.Client) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{Upstreams: upstreams, Client: client}
}

func (s *Service) Fetch(ctx context.Context, algo, hash string, urls []string) (io.ReadCloser, int64, error) {
	var lastErr error

	for _, upstream := range s.Upstreams {
		reader, size, err := upstream.Get(ctx, algo, hash)
		if err == nil {
			return reader, size, nil
		}
		lastErr = err
		slog.Debug("Upstream miss", "algo", algo, "hash", hash, "error", err)
	}

	for _, u := range urls {
		slog.Info("Downloading from source URL", "url", u, "algo", algo, "hash", hash)
		reader, size, err := s.fetchURL(ctx, u)
		if err == nil {
			return reader, size, nil
		}
		lastErr = err
		errutil.LogMsg(err, "Failed to fetch from source", "url", u)
	}

	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrNotFound, lastErr)
	}
	return nil, 0, ErrNotFound
}

func (s *Service) fetchURL(ctx context.Context, u string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		errutil.Close(resp.Body, "Failed to close response body")
		return nil, 0, &repository.HTTPStatusError{URL: u, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

// For binds a fetch to a repository.Fetcher for one entry.
func For(ctx context.Context, f Fetcher, algo, hash string, urls []string) repository.Fetcher {
	return func() (io.ReadCloser, int64, error) {
		return f.Fetch(ctx, algo, hash, urls)
	}
}
