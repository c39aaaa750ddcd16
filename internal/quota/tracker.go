package quota

import "sync/atomic"

// UsageTracker keeps an estimate of the number of bytes the cache occupies on disk.
type UsageTracker interface {
	CurrentUsage() int64
	SetUsage(bytes int64)
	// AddUsage adds delta (which may be negative) and returns the new total.
	AddUsage(delta int64) int64
}

// AtomicTracker is a lock-free UsageTracker.
type AtomicTracker struct {
	usage atomic.Int64
}

func NewTracker(initial int64) *AtomicTracker {
	t := &AtomicTracker{}
	t.SetUsage(initial)
	return t
}

func (t *AtomicTracker) CurrentUsage() int64 {
	return t.usage.Load()
}

func (t *AtomicTracker) SetUsage(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	t.usage.Store(bytes)
}

func (t *AtomicTracker) AddUsage(delta int64) int64 {
	return t.usage.Add(delta)
}
