package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLogger_SplitsStreams(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, closers, err := setupLogger("trace", "", &stdout, &stderr)
	require.NoError(t, err)
	assert.Empty(t, closers)

	logger.Log(t.Context(), LevelTrace, "wire")
	logger.Info("hello")
	logger.Error("boom")

	assert.Contains(t, stdout.String(), "level=TRACE msg=wire")
	assert.Contains(t, stdout.String(), "msg=hello")
	assert.NotContains(t, stdout.String(), "boom")
	assert.Contains(t, stderr.String(), "msg=boom")
	assert.NotContains(t, stderr.String(), "hello")
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upsip.log")
	var stdout, stderr bytes.Buffer
	logger, closers, err := setupLogger("info", path, &stdout, &stderr)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.Debug("hidden")
	logger.With("bus", 1).Info("shown")
	require.NoError(t, closers[0].Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "msg=shown bus=1"))
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, stderr.String(), "msg=shown")
	assert.Empty(t, stdout.String())
}

func TestSetupLogger_BadLevel(t *testing.T) {
	_, _, err := SetupLogger("nope", "")
	assert.Error(t, err)
}
