package repository

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrQuotaDenied is returned when the quota strategy refuses a write before it starts.
	ErrQuotaDenied = errors.New("quota denied write")

	// ErrQuotaDiscarded is returned when the quota strategy rejects a file after it was written.
	ErrQuotaDiscarded = errors.New("quota discarded write")

	// ErrHashMismatch is returned when fetched content does not match the requested hash.
	ErrHashMismatch = errors.New("hash mismatch")
)

// Fetcher opens the content to be stored. The size is -1 or 0 when unknown.
type Fetcher func() (io.ReadCloser, int64, error)

type Repository interface {
	Exists(ctx context.Context, algo, hash string) (bool, error)
	Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error)
}

// WritableRepository is a Repository that can store content.
type WritableRepository interface {
	Repository
	Put(ctx context.Context, algo, hash string, fetcher Fetcher) error
	// PutOrSpool stores like Put, but returns the verified content instead of
	// an error when the quota refuses to keep it.
	PutOrSpool(ctx context.Context, algo, hash string, fetcher Fetcher) (io.ReadCloser, int64, error)
}

// Recorder is told about stores and reads so eviction can order entries.
type Recorder interface {
	Add(ctx context.Context, key string, size int64)
	Touch(ctx context.Context, key string)
}
