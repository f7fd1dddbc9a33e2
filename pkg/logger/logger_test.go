package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "info", Format: "json", Output: &buf})

	log.Info("catalog loaded", "specs", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "catalog loaded", entry["msg"])
	assert.Equal(t, float64(3), entry["specs"])
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Format: "text", Output: &buf})

	log.Debug("transforming record")
	assert.True(t, strings.Contains(buf.String(), "transforming record"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "error", Format: "json", Output: &buf})

	log.Info("ignored")
	assert.Empty(t, buf.String())

	log.Error("kept")
	assert.NotEmpty(t, buf.String())
}

func TestNilConfigDefaults(t *testing.T) {
	assert.NotNil(t, New(nil))
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "info", Format: "json", Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithFeedID(ctx, "feed-9")

	WithContext(ctx, log).Info("processing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "feed-9", entry["feed_id"])

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
