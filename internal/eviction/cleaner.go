package eviction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/eviction/policy"
	"github.com/lucasew/contentcache/internal/quota"
)

// Options configures a Cleaner.
type Options struct {
	// Policies decide how much a normal pass frees.
	Policies []policy.Policy
	// MinFileAge protects recently used entries from normal passes.
	MinFileAge time.Duration
	// Interval between scheduled normal passes.
	Interval time.Duration
	// Index is optional.
	Index Index
}

// Cleaner evicts cache entries and keeps the usage tracker honest.
//
// A normal pass frees what the configured policies ask for, skipping entries
// used within MinFileAge. An aggressive pass frees a fixed number of bytes
// regardless of age. Both start by measuring the store so the tracker is
// reconciled with what is really on disk. Only one pass runs at a time; an
// aggressive request that finds another pass running is queued behind it.
type Cleaner struct {
	store    Store
	strategy Strategy
	tracker  quota.UsageTracker
	opts     Options
	running  atomic.Bool
	now      func() time.Time

	pendingMu     sync.Mutex
	pendingTarget int64
	pendingReason string
}

func NewCleaner(strategy Strategy, tracker quota.UsageTracker, opts Options) *Cleaner {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Cleaner{
		strategy: strategy,
		tracker:  tracker,
		opts:     opts,
		now:      time.Now,
	}
}

// SetStore sets the underlying storage for the cleaner.
func (c *Cleaner) SetStore(store Store) {
	c.store = store
}

// LoadInitialState scans the store and registers every entry with the
// strategy, least recently used first.
func (c *Cleaner) LoadInitialState(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("store not initialized")
	}

	var accessed map[string]time.Time
	if c.opts.Index != nil {
		var err error
		accessed, err = c.opts.Index.AccessTimes(ctx)
		if err != nil {
			errutil.LogMsg(err, "Failed to read access index, falling back to mtimes")
			accessed = nil
		}
	}

	var entries []Victim
	var totalSize int64
	err := c.store.Walk(func(key string, size int64, modTime time.Time) error {
		at := modTime
		if t, ok := accessed[key]; ok {
			at = t
			delete(accessed, key)
		}
		entries = append(entries, Victim{Key: key, Size: size, AccessedAt: at})
		totalSize += size
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].AccessedAt.Before(entries[j].AccessedAt)
	})
	for _, e := range entries {
		c.strategy.OnAdd(e.Key, e.Size, e.AccessedAt)
	}

	// Whatever is left in the index no longer exists on disk.
	if c.opts.Index != nil {
		for key := range accessed {
			errutil.LogMsg(c.opts.Index.Remove(ctx, key), "Failed to prune stale index entry", "key", key)
		}
	}

	slog.Info("Initial cache state loaded", "count", len(entries), "size", humanize.IBytes(uint64(totalSize)))
	return nil
}

// Start runs scheduled normal passes until ctx is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunNormal(ctx, "scheduled"); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				errutil.ReportError(err, "Scheduled eviction failed")
			}
		}
	}
}

// Add registers a newly stored entry.
func (c *Cleaner) Add(ctx context.Context, key string, size int64) {
	now := c.now()
	c.strategy.OnAdd(key, size, now)
	if c.opts.Index != nil {
		errutil.LogMsg(c.opts.Index.Put(ctx, key, size, now), "Failed to index entry", "key", key)
	}
}

// Touch records an access to key.
func (c *Cleaner) Touch(ctx context.Context, key string) {
	now := c.now()
	c.strategy.OnAccess(key, now)
	if c.opts.Index != nil {
		errutil.LogMsg(c.opts.Index.Touch(ctx, key, now), "Failed to update entry access time", "key", key)
	}
}

// RunNormal frees what the policies ask for, sparing entries younger than MinFileAge.
func (c *Cleaner) RunNormal(ctx context.Context, reason string) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.release(ctx)
	return c.normal(ctx, reason)
}

// RunAggressive frees targetReduction bytes, oldest first, regardless of age.
// If another pass is running the request is queued, keeping the largest
// pending reduction, and ErrAlreadyRunning is returned.
func (c *Cleaner) RunAggressive(ctx context.Context, reason string, targetReduction int64) error {
	if !c.running.CompareAndSwap(false, true) {
		c.queueAggressive(reason, targetReduction)
		return ErrAlreadyRunning
	}
	defer c.release(ctx)
	return c.aggressive(ctx, reason, targetReduction)
}

func (c *Cleaner) queueAggressive(reason string, targetReduction int64) {
	if targetReduction <= 0 {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if targetReduction > c.pendingTarget {
		c.pendingTarget = targetReduction
		c.pendingReason = reason
	}
	slog.Debug("Queued aggressive eviction", "reason", reason, "target_reduction", targetReduction)
}

func (c *Cleaner) takePending() (string, int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	reason, target := c.pendingReason, c.pendingTarget
	c.pendingReason, c.pendingTarget = "", 0
	return reason, target
}

func (c *Cleaner) hasPending() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pendingTarget > 0
}

// release clears the running flag, first running any aggressive request
// queued while the pass was active.
func (c *Cleaner) release(ctx context.Context) {
	for {
		c.running.Store(false)
		if ctx.Err() != nil || !c.hasPending() {
			return
		}
		if !c.running.CompareAndSwap(false, true) {
			// Whoever holds the flag now drains the queue when it is done.
			return
		}
		reason, target := c.takePending()
		if target > 0 {
			slog.Info("Running queued aggressive eviction", "reason", reason, "target_reduction", humanize.IBytes(uint64(target)))
			errutil.ReportError(c.aggressive(ctx, reason, target), "Queued eviction failed", "reason", reason)
		}
	}
}

func (c *Cleaner) normal(ctx context.Context, reason string) error {
	current, err := c.reconcile()
	if err != nil {
		return err
	}

	var toFree int64
	for _, p := range c.opts.Policies {
		n, err := p.BytesToFree(current)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		toFree = max(toFree, n)
	}
	if toFree <= 0 {
		slog.Debug("Nothing to evict", "reason", reason, "usage", current)
		return nil
	}

	victims := c.strategy.GetVictims(current, max(current-toFree, 0))
	cutoff := c.now().Add(-c.opts.MinFileAge)
	for i, v := range victims {
		// Victims come oldest first, so the rest are at least as young.
		if v.AccessedAt.After(cutoff) {
			victims = victims[:i]
			break
		}
	}

	c.evict(ctx, reason, current, toFree, victims)
	return nil
}

func (c *Cleaner) aggressive(ctx context.Context, reason string, targetReduction int64) error {
	current, err := c.reconcile()
	if err != nil {
		return err
	}
	if targetReduction <= 0 {
		return nil
	}

	victims := c.strategy.GetVictims(current, max(current-targetReduction, 0))
	c.evict(ctx, reason, current, targetReduction, victims)
	return nil
}

// reconcile measures the store and corrects the tracker. The correction is
// applied as a delta so writes credited during the walk keep their credit.
func (c *Cleaner) reconcile() (int64, error) {
	if c.store == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	before := c.tracker.CurrentUsage()
	var measured int64
	err := c.store.Walk(func(_ string, size int64, _ time.Time) error {
		measured += size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure cache: %w", err)
	}

	current := c.tracker.AddUsage(measured - before)
	if current < 0 {
		c.tracker.SetUsage(0)
		current = 0
	}
	if measured != before {
		slog.Debug("Reconciled cache usage", "estimated", before, "measured", measured)
	}
	return current, nil
}

func (c *Cleaner) evict(ctx context.Context, reason string, current, toFree int64, victims []Victim) {
	if len(victims) == 0 {
		slog.Info("No eviction candidates", "reason", reason, "current_size", current, "to_free", toFree)
		return
	}

	slog.Info("Evicting files", "reason", reason, "count", len(victims),
		"current_size", humanize.IBytes(uint64(current)), "to_free", humanize.IBytes(uint64(toFree)))

	var freed int64
	var count int
	for _, victim := range victims {
		if ctx.Err() != nil {
			slog.Warn("Eviction interrupted", "reason", reason, "evicted", count)
			break
		}
		if err := c.store.Delete(victim.Key); err != nil {
			errutil.ReportError(err, "Failed to remove file", "key", victim.Key)
			continue
		}

		c.strategy.Remove(victim.Key)
		if c.opts.Index != nil {
			errutil.LogMsg(c.opts.Index.Remove(ctx, victim.Key), "Failed to drop index entry", "key", victim.Key)
		}
		freed += victim.Size
		count++
	}

	usage := c.tracker.AddUsage(-freed)
	if usage < 0 {
		c.tracker.SetUsage(0)
	}
	slog.Info("Eviction finished", "reason", reason, "evicted", count, "freed", humanize.IBytes(uint64(freed)))
}
