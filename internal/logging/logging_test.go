package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Msg("hidden")
	l := Component(logger, "scheduler")
	l.Info().Msg("ticker started")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, "ticker started")
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "execai.log")
	logger, closer, err := New(Config{Level: "debug", Format: "console", File: path}, &bytes.Buffer{})
	require.NoError(t, err)

	logger.Info().Str("job_id", "abc").Msg("run finished")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"abc"`)
}
