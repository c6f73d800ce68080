package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "explicit buffer", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Output: &buf})

	logger.Debugf("rejected tag %d: bad file descriptor", 7)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below info level, got: %s", buf.String())
	}

	logger.Printf("kernel AIO unavailable, falling back to thread pool")
	out := buf.String()
	if !strings.Contains(out, "falling back to thread pool") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestLoggerDebugfVisibleAtDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("request tag %d failed: errno %d", 7, 9)
	out := buf.String()
	if !strings.Contains(out, "[DEBUG]") || !strings.Contains(out, "request tag 7 failed") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestLoggerPrintfCompat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Output: &buf})
	logger.Printf("reap dispatched %d completions", 3)
	if !strings.Contains(buf.String(), "reap dispatched 3 completions") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestDefaultLoggerSwap(t *testing.T) {
	var buf bytes.Buffer
	orig := Default()
	t.Cleanup(func() { SetDefault(orig) })

	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	Default().Debugf("submit accepted tag %d", 7)
	if !strings.Contains(buf.String(), "tag 7") {
		t.Errorf("expected tag 7 in output, got: %s", buf.String())
	}
}
