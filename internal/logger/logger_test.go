package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/sharnoff/lifecycle/internal/config"
	"github.com/sharnoff/lifecycle/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"fatal", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logger.ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.Setup(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", "stage", "boot")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "exactly one JSON line expected")
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "boot", entry["stage"])
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.Setup(config.LogConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	log.Debug("hello", "task", "db")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "task=db")
}

func TestSetupInvalid(t *testing.T) {
	_, err := logger.Setup(config.LogConfig{Level: "loud", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = logger.Setup(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	assert.Same(t, slog.Default(), logger.FromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := logger.WithLogger(context.Background(), l)
	assert.Same(t, l, logger.FromContext(ctx))
}
