package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/db"
	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/eviction"
	_ "github.com/lucasew/contentcache/internal/eviction/lru"
	"github.com/lucasew/contentcache/internal/eviction/policy"
	"github.com/lucasew/contentcache/internal/eviction/policy/maxsize"
	"github.com/lucasew/contentcache/internal/eviction/policy/minfree"
	"github.com/lucasew/contentcache/internal/fetcher"
	"github.com/lucasew/contentcache/internal/handler"
	"github.com/lucasew/contentcache/internal/httpclient"
	"github.com/lucasew/contentcache/internal/quota"
	"github.com/lucasew/contentcache/internal/repository"
	"golang.org/x/sync/errgroup"
)

const (
	IndexFileName   = "index.db"
	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Port             int
	CacheDir         string
	QuotaStrategy    string
	Quota            quota.Config
	MinFileAge       time.Duration
	MinFreeSpace     int64
	EvictionInterval time.Duration
	EvictionStrategy string
	Upstreams        []string
	CACertFile       string
	FetchTimeout     time.Duration
}

// Server is a running cache: HTTP front, quota strategy, cleaner and index.
type Server struct {
	HTTP     *http.Server
	Cleaner  *eviction.Cleaner
	Strategy quota.Strategy
	Tracker  *quota.AtomicTracker

	cfg       Config
	index     *db.DB
	usagePath string
}

// NewServer builds the cache and reconciles its usage seed before returning.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	client, err := httpclient.New(cfg.CACertFile, cfg.FetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build http client: %w", err)
	}

	usagePath := filepath.Join(cfg.CacheDir, quota.UsageFileName)
	seed, err := quota.LoadUsage(usagePath)
	if err != nil {
		errutil.LogMsg(err, "Falling back to zero usage estimate", "path", usagePath)
		seed = 0
	}
	tracker := quota.NewTracker(seed)

	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	indexPath := filepath.Join(cfg.CacheDir, IndexFileName)
	index, err := db.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", indexPath, err)
	}

	var policies []policy.Policy
	if cfg.QuotaStrategy != "unlimited" {
		// Normal passes bring usage back down to the target.
		target := cfg.Quota.TargetUsageBytes()
		slog.Info("Adding MaxCacheSize policy", "max_size", humanize.IBytes(uint64(max(target, 0))))
		policies = append(policies, &maxsize.Policy{MaxBytes: target})
	}
	if cfg.MinFreeSpace > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", humanize.IBytes(uint64(cfg.MinFreeSpace)))
		policies = append(policies, &minfree.Policy{Path: cfg.CacheDir, MinFreeBytes: cfg.MinFreeSpace})
	}

	cleaner := eviction.NewCleaner(strat, tracker, eviction.Options{
		Policies:   policies,
		MinFileAge: cfg.MinFileAge,
		Interval:   cfg.EvictionInterval,
		Index:      index,
	})

	strategy, err := quota.New(cfg.QuotaStrategy, cfg.Quota, tracker, cleaner)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("failed to initialize quota strategy: %w", err)
	}

	localRepo := repository.NewLocalRepository(cfg.CacheDir, strategy, cleaner)
	cleaner.SetStore(localRepo)

	if err := cleaner.LoadInitialState(ctx); err != nil {
		errutil.LogMsg(err, "Failed to load initial cache state")
	}
	if err := cleaner.RunNormal(ctx, quota.ReasonInit); err != nil {
		errutil.ReportError(err, "Initial cache clean failed")
	}

	var upstreams []repository.Repository
	for _, u := range cfg.Upstreams {
		upstreams = append(upstreams, repository.NewUpstreamRepository(u, client))
	}

	mux := http.NewServeMux()
	mux.Handle("/fetch/", handler.NewCASHandler(localRepo, fetcher.NewService(upstreams, client)))
	mux.Handle("/usage", &handler.UsageHandler{
		Strategy: cfg.QuotaStrategy,
		Tracker:  tracker,
		MaxBytes: maxFor(cfg),
	})

	return &Server{
		HTTP: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: mux,
		},
		Cleaner:   cleaner,
		Strategy:  strategy,
		Tracker:   tracker,
		cfg:       cfg,
		index:     index,
		usagePath: usagePath,
	}, nil
}

func maxFor(cfg Config) int64 {
	if cfg.QuotaStrategy == "unlimited" {
		return 0
	}
	return cfg.Quota.MaxUsageBytes
}

// Run serves HTTP and runs scheduled eviction until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server", "addr", s.HTTP.Addr, "cache_dir", s.cfg.CacheDir, "quota", s.cfg.QuotaStrategy)
		if err := s.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.Cleaner.Start(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.HTTP.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close stops background eviction, persists the usage estimate and closes
// the index. Failing to persist usage is returned as an error because the
// next start would seed from a stale value.
func (s *Server) Close() error {
	if c, ok := s.Strategy.(quota.Closer); ok {
		c.Close()
	}

	usage := s.Tracker.CurrentUsage()
	if err := quota.SaveUsage(s.usagePath, usage); err != nil {
		errutil.LogMsg(s.index.Close(), "Failed to close index")
		return fmt.Errorf("failed to persist cache usage: %w", err)
	}
	slog.Info("Persisted cache usage", "usage", humanize.IBytes(uint64(max(usage, 0))), "path", s.usagePath)

	if err := s.index.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	return nil
}
