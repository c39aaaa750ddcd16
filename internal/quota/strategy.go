package quota

import (
	"context"
	"errors"
)

// ErrAlreadyRunning is returned by a Cleaner asked to start a pass while
// another one is active.
var ErrAlreadyRunning = errors.New("cleaner already running")

// Strategy decides whether content may enter the cache.
//
// BeforeWrite is consulted before anything touches the disk. The size may be
// zero when the length of the content is not known up front. AfterWrite is
// consulted once the file exists with its real size; returning false tells the
// caller to delete the file it just wrote.
type Strategy interface {
	BeforeWrite(contentSize int64) bool
	AfterWrite(contentSize int64) bool
}

// Cleaner evicts cache entries on behalf of a Strategy.
//
// Both methods return ErrAlreadyRunning when another pass is active. An
// aggressive request refused that way is queued and runs once the active
// pass finishes.
type Cleaner interface {
	RunNormal(ctx context.Context, reason string) error
	RunAggressive(ctx context.Context, reason string, targetReduction int64) error
}

// Closer is implemented by strategies that own background work.
type Closer interface {
	Close()
}
