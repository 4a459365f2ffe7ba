package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := New("production", &buf)
	logger.Info("hello", "key", "value")

	var entry map[string]any
	err := json.Unmarshal(buf.Bytes(), &entry)
	require.NoError(t, err, "production log lines must be JSON")
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestNew_ProductionSuppressesDebug(t *testing.T) {
	var buf bytes.Buffer

	logger := New("production", &buf)
	logger.Debug("hidden")

	assert.Empty(t, buf.String())
}

func TestNew_DevelopmentIsText(t *testing.T) {
	var buf bytes.Buffer

	logger := New("development", &buf)
	logger.Debug("visible")

	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), `{"time"`)
}

func TestNew_NilWriter(t *testing.T) {
	logger := New("development", nil)
	require.NotNil(t, logger)
}
