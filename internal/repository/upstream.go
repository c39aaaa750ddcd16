package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lucasew/contentcache/internal/errutil"
)

// HTTPStatusError is returned when an upstream responds with a non-200 status code.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}

// UpstreamRepository reads from another contentcache server.
//
// Chaining servers gives cache tiering: a miss here is served from the
// upstream before falling back to the source URLs.
type UpstreamRepository struct {
	BaseURL string
	Client  *http.Client
}

func NewUpstreamRepository(baseURL string, client *http.Client) *UpstreamRepository {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamRepository{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
	}
}

func (r *UpstreamRepository) url(algo, hash string) string {
	return fmt.Sprintf("%s/fetch/%s/%s", r.BaseURL, algo, hash)
}

// Exists checks if the file exists on the upstream server using a HEAD request.
func (r *UpstreamRepository) Exists(ctx context.Context, algo, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.url(algo, hash), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, err
	}
	errutil.Close(resp.Body, "Failed to close upstream response")
	return resp.StatusCode == http.StatusOK, nil
}

func (r *UpstreamRepository) Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error) {
	u := r.url(algo, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		errutil.Close(resp.Body, "Failed to close upstream response")
		return nil, 0, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}
