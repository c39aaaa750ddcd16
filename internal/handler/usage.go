package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/quota"
)

// UsageReport is the body served by UsageHandler.
type UsageReport struct {
	Strategy   string  `json:"strategy"`
	UsageBytes int64   `json:"usage_bytes"`
	Usage      string  `json:"usage"`
	MaxBytes   int64   `json:"max_bytes,omitempty"`
	Max        string  `json:"max,omitempty"`
	UsedPct    float64 `json:"used_pct,omitempty"`
}

// UsageHandler reports the tracked cache usage.
type UsageHandler struct {
	Strategy string
	Tracker  quota.UsageTracker
	// MaxBytes of zero means no limit is enforced.
	MaxBytes int64
}

func (h *UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	usage := max(h.Tracker.CurrentUsage(), 0)
	report := UsageReport{
		Strategy:   h.Strategy,
		UsageBytes: usage,
		Usage:      humanize.IBytes(uint64(usage)),
	}
	if h.MaxBytes > 0 {
		report.MaxBytes = h.MaxBytes
		report.Max = humanize.IBytes(uint64(h.MaxBytes))
		report.UsedPct = float64(usage) * 100 / float64(h.MaxBytes)
	}

	w.Header().Set("Content-Type", "application/json")
	errutil.LogMsg(json.NewEncoder(w).Encode(report), "Failed to write usage report")
}
