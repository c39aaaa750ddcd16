package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/errutil"
)

const (
	ReasonInit           = "quota (init)"
	ReasonPanicThreshold = "quota (panic threshold)"
	ReasonCleanThreshold = "quota (clean threshold)"
	ReasonLimitReached   = "quota (limit reached)"
)

// Standard enforces a maximum cache usage with three thresholds.
//
// Below the clean threshold writes are admitted silently. Between the clean
// and panic thresholds writes are admitted, and the write that carries usage
// across the clean threshold starts a normal cleaner pass. At or above the panic threshold new writes are refused. Once
// the credited usage reaches the maximum an aggressive pass is started, asking
// the cleaner to free TargetUsagePct of the maximum.
//
// Usage is credited after the fact, so it can briefly exceed the maximum.
type Standard struct {
	cfg     Config
	tracker UsageTracker
	cleaner Cleaner

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	// mu orders dispatch against Close so no pass starts after Close returns.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewStandard(cfg Config, tracker UsageTracker, cleaner Cleaner) (*Standard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = NewTracker(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Standard{
		cfg:     cfg,
		tracker: tracker,
		cleaner: cleaner,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Standard) Tracker() UsageTracker {
	return s.tracker
}

func (s *Standard) BeforeWrite(contentSize int64) bool {
	if s.cfg.fileTooLarge(contentSize) {
		slog.Debug("Refusing oversized content", "size", contentSize, "max_file_size", s.cfg.MaxFileSizeBytes)
		return false
	}
	if s.cfg.reached(s.tracker.CurrentUsage()+contentSize, s.cfg.PanicThresholdPct) {
		s.startNormal(ReasonPanicThreshold)
		return false
	}
	return true
}

func (s *Standard) AfterWrite(contentSize int64) bool {
	keep := true
	var usage int64
	if s.cfg.fileTooLarge(contentSize) {
		keep = false
		usage = s.tracker.CurrentUsage()
	} else {
		usage = s.tracker.AddUsage(contentSize)
	}

	if usage >= s.cfg.MaxUsageBytes {
		s.startAggressive(ReasonLimitReached, s.cfg.TargetReductionBytes())
	} else if keep && s.crossedClean(usage-contentSize, usage) {
		s.startNormal(ReasonCleanThreshold)
	}
	return keep
}

// crossedClean reports whether moving from before to after crossed the clean
// threshold upwards. AddUsage is atomic, so among concurrent writes exactly
// one sees the crossing.
func (s *Standard) crossedClean(before, after int64) bool {
	return !s.cfg.reached(before, s.cfg.CleanThresholdPct) && s.cfg.reached(after, s.cfg.CleanThresholdPct)
}

// Wait blocks until the eviction pass started by this strategy, if any, returns.
func (s *Standard) Wait() {
	s.wg.Wait()
}

// Close cancels any running eviction pass and waits for it.
func (s *Standard) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Standard) startNormal(reason string) {
	s.dispatch(reason, func(ctx context.Context) error {
		return s.cleaner.RunNormal(ctx, reason)
	})
}

func (s *Standard) startAggressive(reason string, targetReduction int64) {
	s.dispatch(reason, func(ctx context.Context) error {
		return s.cleaner.RunAggressive(ctx, reason, targetReduction)
	})
}

// dispatch runs fn in the background unless a pass is already in flight.
func (s *Standard) dispatch(reason string, fn func(context.Context) error) {
	if s.cleaner == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("Eviction already in progress, skipping", "reason", reason)
		return
	}
	slog.Info("Starting cache cleaner", "reason", reason,
		"usage", humanize.IBytes(uint64(max(s.tracker.CurrentUsage(), 0))),
		"max", humanize.IBytes(uint64(s.cfg.MaxUsageBytes)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		err := fn(s.ctx)
		if errors.Is(err, ErrAlreadyRunning) {
			slog.Debug("Cleaner busy, request left to the running pass", "reason", reason)
			return
		}
		errutil.ReportError(err, "Cache cleaner failed", "reason", reason)
	}()
}
