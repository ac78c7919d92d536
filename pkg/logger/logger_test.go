package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", "fd", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, float64(7), rec["fd"])
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(&buf, "DEBUG", "text")
	require.NoError(t, err)

	log.Debug("hello", "peer", "127.0.0.1:1")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "peer=127.0.0.1:1")
}

func TestSetupRejectsUnknown(t *testing.T) {
	_, err := Setup(&bytes.Buffer{}, "loud", "text")
	require.Error(t, err)
	_, err = Setup(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
}
