package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("resolved", "city", "Austin")
	assert.Contains(t, buf.String(), `"city":"Austin"`)

	buf.Reset()
	newLogger(&buf, "info", "text").Info("resolved", "city", "Austin")
	assert.Contains(t, buf.String(), "city=Austin")
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestBreakerStateValue(t *testing.T) {
	assert.Zero(t, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
}
