package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/app"
	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/httpclient"
	"github.com/lucasew/contentcache/internal/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the cache server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := serverConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := app.NewServer(ctx, cfg)
		if err != nil {
			errutil.ReportError(err, "Failed to initialize server")
			os.Exit(1)
		}

		runErr := srv.Run(ctx)
		errutil.ReportError(runErr, "Server failed")

		if err := srv.Close(); err != nil {
			errutil.ReportError(err, "Shutdown failed")
			os.Exit(1)
		}
		if runErr != nil {
			os.Exit(1)
		}
	},
}

// serverConfig builds the server configuration from viper.
func serverConfig() (app.Config, error) {
	maxUsage, err := parseBytes("max-usage")
	if err != nil {
		return app.Config{}, err
	}
	if mb := viper.GetInt64("max-usage-mb"); mb > 0 {
		maxUsage = mb * humanize.MiByte
	}
	minFree, err := parseBytes("min-free-space")
	if err != nil {
		return app.Config{}, err
	}

	q := quota.Config{
		MaxUsageBytes:     maxUsage,
		MaxFileSizeBytes:  viper.GetInt64("max-file-size-mb") * humanize.MiByte,
		PanicThresholdPct: viper.GetFloat64("panic-threshold"),
		CleanThresholdPct: viper.GetFloat64("clean-threshold"),
		TargetUsagePct:    viper.GetFloat64("target-usage"),
	}

	cfg := app.Config{
		Port:             viper.GetInt("port"),
		CacheDir:         viper.GetString("cache-dir"),
		QuotaStrategy:    viper.GetString("quota-strategy"),
		Quota:            q,
		MinFileAge:       viper.GetDuration("min-file-age"),
		MinFreeSpace:     minFree,
		EvictionInterval: viper.GetDuration("eviction-interval"),
		EvictionStrategy: viper.GetString("eviction-strategy"),
		Upstreams:        viper.GetStringSlice("upstream"),
		CACertFile:       viper.GetString("ca-cert"),
		FetchTimeout:     viper.GetDuration("fetch-timeout"),
	}
	slog.Debug("Loaded configuration", "config", fmt.Sprintf("%+v", cfg))
	return cfg, nil
}

func parseBytes(key string) (int64, error) {
	raw := viper.GetString(key)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return int64(n), nil
}

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.Flags()
	flags.Int("port", 8080, "Port to run the server on")
	flags.String("cache-dir", "./cache", "Directory to store cached files")
	flags.String("quota-strategy", "standard", "Quota strategy (standard, unlimited)")
	flags.String("max-usage", "1GB", "Maximum cache usage (bytes or sizes like 512MiB)")
	flags.Int64("max-usage-mb", 0, "Maximum cache usage in MiB (overrides max-usage if set)")
	flags.Int64("max-file-size-mb", 0, "Maximum size of a single cached file in MiB (0 = unlimited)")
	flags.Float64("panic-threshold", quota.DefaultPanicThresholdPct, "Usage percentage at which new writes are refused")
	flags.Float64("clean-threshold", quota.DefaultCleanThresholdPct, "Usage percentage at which background cleaning starts")
	flags.Float64("target-usage", quota.DefaultTargetUsagePct, "Usage percentage cleaning aims for")
	flags.Duration("min-file-age", 0, "Entries used more recently than this are spared by normal cleaning")
	flags.String("min-free-space", "", "Minimum free disk space to keep (e.g. 5GB)")
	flags.Duration("eviction-interval", time.Minute, "Interval between scheduled cleaning passes")
	flags.String("eviction-strategy", "lru", "Eviction strategy to use (lru)")
	flags.StringSlice("upstream", []string{}, "Upstream cache servers")
	flags.String("ca-cert", "", "Extra PEM CA bundle trusted for upstream and source fetches")
	flags.Duration("fetch-timeout", httpclient.DefaultTimeout, "Timeout for connecting to an upstream or source and receiving its response headers")

	for _, key := range []string{
		"port", "cache-dir", "quota-strategy", "max-usage", "max-usage-mb", "max-file-size-mb",
		"panic-threshold", "clean-threshold", "target-usage", "min-file-age", "min-free-space",
		"eviction-interval", "eviction-strategy", "upstream", "ca-cert", "fetch-timeout",
	} {
		mustBindPFlag(key, flags.Lookup(key))
	}
}
