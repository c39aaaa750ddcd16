package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/fetcher"
	"github.com/lucasew/contentcache/internal/hashutil"
	"github.com/lucasew/contentcache/internal/repository"
)

// CASHandler (Content Addressable Storage Handler) serves files based on their hash.
//
// Lookup order:
// 1. Local cache.
// 2. Upstream caches, then the ?url=... sources, through the fetcher. Content
// found this way is verified and stored, subject to the quota.
//
// When the quota refuses to keep the content it is still verified against the
// requested hash and then served from a temporary copy, so a full cache
// degrades to a verifying pass-through.
type CASHandler struct {
	Local   repository.WritableRepository
	Fetcher fetcher.Fetcher
}

func NewCASHandler(local repository.WritableRepository, f fetcher.Fetcher) *CASHandler {
	return &CASHandler{
		Local:   local,
		Fetcher: f,
	}
}

// ServeHTTP handles the /fetch/{algo}/{hash} requests.
func (h *CASHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "fetch" {
		http.Error(w, "Invalid path format. Expected /fetch/{algo}/{hash}", http.StatusBadRequest)
		return
	}
	algo, hash := parts[1], parts[2]

	if !hashutil.IsSupported(algo) {
		http.Error(w, fmt.Sprintf("Unsupported hash algorithm: %s (supported: %s)", algo, strings.Join(hashutil.Algorithms(), ", ")), http.StatusBadRequest)
		return
	}
	if !hashutil.ValidDigest(algo, hash) {
		http.Error(w, fmt.Sprintf("Invalid %s digest: %s", algo, hash), http.StatusBadRequest)
		return
	}

	if h.serveLocal(w, r, algo, hash) {
		slog.Debug("Cache hit", "algo", algo, "hash", hash)
		return
	}

	slog.Info("Cache miss", "algo", algo, "hash", hash)

	if r.Method == http.MethodHead {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	urls := r.URL.Query()["url"]
	spooled, size, err := h.Local.PutOrSpool(r.Context(), algo, hash, fetcher.For(r.Context(), h.Fetcher, algo, hash, urls))
	switch {
	case err == nil && spooled != nil:
		h.serveSpooled(w, algo, hash, spooled, size)
	case err == nil:
		if !h.serveLocal(w, r, algo, hash) {
			http.Error(w, "Failed to retrieve after store", http.StatusInternalServerError)
		}
	case errors.Is(err, repository.ErrHashMismatch):
		slog.Warn("Fetched content did not match", "algo", algo, "hash", hash, "error", err)
		http.Error(w, fmt.Sprintf("Failed to fetch: %v", err), http.StatusBadGateway)
	default:
		slog.Error("Failed to fetch/store", "algo", algo, "hash", hash, "error", err)
		http.Error(w, fmt.Sprintf("Failed to fetch: %v", err), http.StatusNotFound)
	}
}

func (h *CASHandler) serveLocal(w http.ResponseWriter, r *http.Request, algo, hash string) bool {
	reader, size, err := h.Local.Get(r.Context(), algo, hash)
	if err != nil {
		return false
	}
	defer errutil.Close(reader, "Failed to close cached file")

	h.setCacheHeaders(w, algo, hash)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("X-Cache", "HIT")
	if r.Method == http.MethodHead {
		return true
	}
	_, err = io.Copy(w, reader)
	errutil.LogMsg(err, "Failed to send cached file", "algo", algo, "hash", hash)
	return true
}

// serveSpooled serves verified content the quota would not let us keep.
func (h *CASHandler) serveSpooled(w http.ResponseWriter, algo, hash string, reader io.ReadCloser, size int64) {
	defer errutil.Close(reader, "Failed to release spooled content")

	slog.Info("Serving without caching", "algo", algo, "hash", hash)
	h.setCacheHeaders(w, algo, hash)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("X-Cache", "BYPASS")
	_, err := io.Copy(w, reader)
	errutil.LogMsg(err, "Failed to stream uncached content", "algo", algo, "hash", hash)
}

// setCacheHeaders sets the HTTP headers for immutable caching.
//
// Since content is addressed by its hash, it can be cached indefinitely (immutable).
// It also sets the canonical Link header to the CAS URL.
func (h *CASHandler) setCacheHeaders(w http.ResponseWriter, algo, hash string) {
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Link", fmt.Sprintf("</fetch/%s/%s>; rel=\"canonical\"", algo, hash))
}
