package quota

import (
	"errors"
	"fmt"
)

const (
	DefaultPanicThresholdPct = 90
	DefaultCleanThresholdPct = 80
	DefaultTargetUsagePct    = 70
)

var ErrInvalidConfig = errors.New("invalid quota config")

// Config holds the limits enforced by the standard strategy.
type Config struct {
	MaxUsageBytes int64
	// MaxFileSizeBytes of zero disables the per-file limit.
	MaxFileSizeBytes  int64
	PanicThresholdPct float64
	CleanThresholdPct float64
	TargetUsagePct    float64
}

// DefaultConfig returns a Config with the default thresholds and the given maximum.
func DefaultConfig(maxUsageBytes int64) Config {
	return Config{
		MaxUsageBytes:     maxUsageBytes,
		PanicThresholdPct: DefaultPanicThresholdPct,
		CleanThresholdPct: DefaultCleanThresholdPct,
		TargetUsagePct:    DefaultTargetUsagePct,
	}
}

func (c Config) Validate() error {
	if c.MaxUsageBytes <= 0 {
		return fmt.Errorf("%w: max usage must be positive, got %d", ErrInvalidConfig, c.MaxUsageBytes)
	}
	if c.MaxFileSizeBytes < 0 {
		return fmt.Errorf("%w: max file size must not be negative, got %d", ErrInvalidConfig, c.MaxFileSizeBytes)
	}
	for name, pct := range map[string]float64{
		"panic threshold": c.PanicThresholdPct,
		"clean threshold": c.CleanThresholdPct,
		"target usage":    c.TargetUsagePct,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%w: %s must be in (0, 100], got %v", ErrInvalidConfig, name, pct)
		}
	}
	if c.CleanThresholdPct > c.PanicThresholdPct {
		return fmt.Errorf("%w: clean threshold %v is above panic threshold %v", ErrInvalidConfig, c.CleanThresholdPct, c.PanicThresholdPct)
	}
	return nil
}

// CleanThresholdBytes is the usage at which proactive cleaning starts.
func (c Config) CleanThresholdBytes() int64 {
	return int64(c.CleanThresholdPct * float64(c.MaxUsageBytes) / 100)
}

// TargetUsageBytes is the usage a normal cleaner pass aims for.
func (c Config) TargetUsageBytes() int64 {
	return int64(c.TargetUsagePct * float64(c.MaxUsageBytes) / 100)
}

// TargetReductionBytes is the amount an aggressive pass is asked to free once
// the maximum is reached. It is the same fraction of the maximum as the
// target usage.
func (c Config) TargetReductionBytes() int64 {
	return c.TargetUsageBytes()
}

func (c Config) fileTooLarge(size int64) bool {
	return c.MaxFileSizeBytes > 0 && size > c.MaxFileSizeBytes
}

func (c Config) reached(usage int64, pct float64) bool {
	return float64(usage)*100 >= pct*float64(c.MaxUsageBytes)
}
