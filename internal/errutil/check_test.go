package errutil

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLogging(t *testing.T) {
	buf := captureLogs(t)

	LogMsg(nil, "nothing")
	ReportError(nil, "nothing")
	if buf.Len() != 0 {
		t.Fatalf("expected no output for nil errors, got %q", buf.String())
	}

	LogMsg(errors.New("boom"), "warned", "key", "k1")
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "key=k1") {
		t.Errorf("unexpected warn output: %q", buf.String())
	}

	buf.Reset()
	ReportError(errors.New("bang"), "reported")
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "error=bang") {
		t.Errorf("unexpected error output: %q", buf.String())
	}

	buf.Reset()
	Close(closerFunc(func() error { return errors.New("close failed") }), "closing")
	if !strings.Contains(buf.String(), "close failed") {
		t.Errorf("expected close failure to be logged, got %q", buf.String())
	}
}
