package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/hashutil"
	"github.com/lucasew/contentcache/internal/quota"
	"golang.org/x/sync/singleflight"
)

// LocalRepository implements a Repository backed by the local filesystem.
//
// It uses a directory structure of {cacheDir}/{algo}/{hash} to store files.
// Every write is admitted by a quota.Strategy, and stores and reads are
// reported to a Recorder so the cleaner can pick victims.
type LocalRepository struct {
	CacheDir string
	quota    quota.Strategy
	recorder Recorder
	g        singleflight.Group
}

// NewLocalRepository creates a repository. A nil strategy admits everything;
// a nil recorder disables usage reporting.
func NewLocalRepository(cacheDir string, strategy quota.Strategy, recorder Recorder) *LocalRepository {
	if strategy == nil {
		strategy = quota.NewUnlimited(nil)
	}
	return &LocalRepository{
		CacheDir: cacheDir,
		quota:    strategy,
		recorder: recorder,
	}
}

// Key returns the eviction key for an entry.
func Key(algo, hash string) string {
	return filepath.Join(algo, hash)
}

func (r *LocalRepository) getPath(algo, hash string) string {
	return filepath.Join(r.CacheDir, algo, hash)
}

func (r *LocalRepository) Exists(ctx context.Context, algo, hash string) (bool, error) {
	_, err := os.Stat(r.getPath(algo, hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (r *LocalRepository) Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error) {
	f, err := os.Open(r.getPath(algo, hash))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if r.recorder != nil {
		r.recorder.Touch(ctx, Key(algo, hash))
	}
	return f, info.Size(), nil
}

// Spooled is verified content the quota strategy refused to keep. Its file is
// already unlinked, so closing it releases the disk space.
type Spooled struct {
	*os.File
	Size int64
}

// Put stores a file in the local cache if it doesn't already exist.
//
// Concurrent puts of the same hash share a single fetch. The declared size is
// offered to the quota strategy before any byte is read; content is then
// streamed into a temp file while hashing, verified, and renamed into place.
// Finally the strategy sees the real size and may ask for the file to be
// dropped again.
func (r *LocalRepository) Put(ctx context.Context, algo, hash string, fetcher Fetcher) error {
	sp, _, err := r.do(ctx, algo, hash, fetcher, false)
	if sp != nil {
		// Joined a PutOrSpool flight; the spooled copy is not ours to serve.
		_ = sp.Close()
	}
	return err
}

// PutOrSpool is Put for callers that want the content even when the quota
// refuses to keep it. A nil reader with a nil error means the content is now
// cached. Otherwise the reader holds the verified content, backed by a
// temporary file that disappears once the reader is closed.
func (r *LocalRepository) PutOrSpool(ctx context.Context, algo, hash string, fetcher Fetcher) (io.ReadCloser, int64, error) {
	sp, shared, err := r.do(ctx, algo, hash, fetcher, true)
	if !errors.Is(err, ErrQuotaDenied) && !errors.Is(err, ErrQuotaDiscarded) {
		return nil, 0, err
	}
	if sp != nil && !shared {
		return sp, sp.Size, nil
	}
	if sp != nil {
		_ = sp.Close()
	}
	// Several callers shared the refused flight, so each needs its own copy.
	sp, err = r.spool(algo, hash, fetcher)
	if err != nil {
		return nil, 0, err
	}
	return sp, sp.Size, nil
}

func (r *LocalRepository) do(ctx context.Context, algo, hash string, fetcher Fetcher, spool bool) (*Spooled, bool, error) {
	v, err, shared := r.g.Do(Key(algo, hash), func() (interface{}, error) {
		return r.store(ctx, algo, hash, fetcher, spool)
	})
	sp, _ := v.(*Spooled)
	return sp, shared, err
}

// store runs one admission. With spool set, refused content is still
// downloaded and verified, and handed back instead of being dropped.
func (r *LocalRepository) store(ctx context.Context, algo, hash string, fetcher Fetcher, spool bool) (*Spooled, error) {
	key := Key(algo, hash)
	if exists, _ := r.Exists(ctx, algo, hash); exists {
		return nil, nil
	}
	if !hashutil.IsSupported(algo) {
		_, err := hashutil.GetHasher(algo)
		return nil, err
	}

	reader, declared, err := fetcher()
	if err != nil {
		return nil, err
	}
	defer errutil.Close(reader, "Failed to close source")

	admitted := r.quota.BeforeWrite(max(declared, 0))
	if !admitted {
		slog.Info("Quota refused write", "key", key, "declared_size", declared)
		if !spool {
			return nil, ErrQuotaDenied
		}
	}

	tmpFile, written, err := r.download(algo, hash, reader)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return r.handOver(tmpFile, tmpFile.Name(), written, ErrQuotaDenied)
	}

	finalPath := r.getPath(algo, hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		discardTemp(tmpFile)
		return nil, fmt.Errorf("failed to create algo dir: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		discardTemp(tmpFile)
		return nil, fmt.Errorf("failed to rename to final path: %w", err)
	}

	if !r.quota.AfterWrite(written) {
		slog.Info("Quota discarded written file", "key", key, "size", written)
		if spool {
			return r.handOver(tmpFile, finalPath, written, ErrQuotaDiscarded)
		}
		errutil.LogMsg(tmpFile.Close(), "Failed to close discarded file", "key", key)
		errutil.LogMsg(r.remove(key), "Failed to remove discarded file", "key", key)
		return nil, ErrQuotaDiscarded
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close stored file: %w", err)
	}

	if r.recorder != nil {
		r.recorder.Add(ctx, key, written)
	}
	slog.Info("Stored file", "algo", algo, "hash", hash, "size", written)
	return nil, nil
}

// download streams reader into a temp file in the cache directory and checks
// it against hash. The returned file is still open.
func (r *LocalRepository) download(algo, hash string, reader io.Reader) (*os.File, int64, error) {
	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return nil, 0, err
	}
	if err := os.MkdirAll(r.CacheDir, 0755); err != nil {
		return nil, 0, fmt.Errorf("failed to create cache dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(r.CacheDir, "put-*")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), reader)
	if err != nil {
		discardTemp(tmpFile)
		return nil, 0, fmt.Errorf("failed to write to temp file: %w", err)
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if actualHash != hash {
		discardTemp(tmpFile)
		return nil, 0, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, actualHash)
	}
	return tmpFile, written, nil
}

// handOver unlinks path and returns the open file as spooled content along
// with reason. If the file cannot be rewound it is dropped and only reason is
// returned.
func (r *LocalRepository) handOver(f *os.File, path string, size int64, reason error) (*Spooled, error) {
	errutil.LogMsg(removeIfExists(path), "Failed to unlink spooled file", "path", path)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		errutil.LogMsg(err, "Failed to rewind spooled file")
		_ = f.Close()
		return nil, reason
	}
	return &Spooled{File: f, Size: size}, reason
}

// spool downloads and verifies content without involving the quota.
func (r *LocalRepository) spool(algo, hash string, fetcher Fetcher) (*Spooled, error) {
	reader, _, err := fetcher()
	if err != nil {
		return nil, err
	}
	defer errutil.Close(reader, "Failed to close source")

	tmpFile, written, err := r.download(algo, hash, reader)
	if err != nil {
		return nil, err
	}
	sp, _ := r.handOver(tmpFile, tmpFile.Name(), written, nil)
	if sp == nil {
		return nil, fmt.Errorf("failed to spool %s", Key(algo, hash))
	}
	return sp, nil
}

func discardTemp(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetOrFetch attempts to retrieve the file from the cache.
// If it's missing, it uses the provided fetcher to download and store it,
// then returns the file reader.
func (r *LocalRepository) GetOrFetch(ctx context.Context, algo, hash string, fetcher Fetcher) (io.ReadCloser, int64, error) {
	reader, size, err := r.Get(ctx, algo, hash)
	if err == nil {
		return reader, size, nil
	}

	if err := r.Put(ctx, algo, hash, fetcher); err != nil {
		return nil, 0, err
	}

	return r.Get(ctx, algo, hash)
}

// Walk calls fn for every stored entry. Anything that is not an
// {algo}/{hash} file for a supported algorithm is ignored.
func (r *LocalRepository) Walk(fn func(key string, size int64, modTime time.Time) error) error {
	algos, err := os.ReadDir(r.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, algo := range algos {
		if !algo.IsDir() || !hashutil.IsSupported(algo.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(r.CacheDir, algo.Name()))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(Key(algo.Name(), e.Name()), info.Size(), info.ModTime()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes the entry stored under key.
func (r *LocalRepository) Delete(key string) error {
	return r.remove(key)
}

func (r *LocalRepository) remove(key string) error {
	return removeIfExists(filepath.Join(r.CacheDir, key))
}
