package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type recordingLogger struct {
	debug, info, errs []string
}

func (r *recordingLogger) Debug(msg string, kv ...interface{}) { r.debug = append(r.debug, msg) }
func (r *recordingLogger) Info(msg string, kv ...interface{})  { r.info = append(r.info, msg) }
func (r *recordingLogger) Error(msg string, kv ...interface{}) { r.errs = append(r.errs, msg) }

func TestLogRoutesByLevel(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		want  string
	}{
		{"error", LevelError, "errs"},
		{"warn", LevelWarn, "errs"},
		{"info", LevelInfo, "info"},
		{"debug", LevelDebug, "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recordingLogger{}
			Log(r, tt.level, "hello")

			got := map[string]int{"debug": len(r.debug), "info": len(r.info), "errs": len(r.errs)}
			for k, n := range got {
				want := 0
				if k == tt.want {
					want = 1
				}
				if n != want {
					t.Errorf("%s messages = %d, want %d", k, n, want)
				}
			}
		})
	}
}

func TestLogNilLogger(t *testing.T) {
	// Must not panic.
	Log(nil, LevelError, "ignored")
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := Slog(slog.New(h))

	l.Debug("flash erased", "sector", 3)
	l.Error("verify failed", "status", "invalid")

	out := buf.String()
	for _, want := range []string{"flash erased", "sector=3", "level=ERROR", "status=invalid"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if got := LevelWarn.String(); got != "warn" {
		t.Errorf("LevelWarn.String() = %q, want %q", got, "warn")
	}
	if got := Level(42).String(); got != "unknown" {
		t.Errorf("Level(42).String() = %q, want %q", got, "unknown")
	}
}
