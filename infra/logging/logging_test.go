package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuild_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := build("json", zapcore.InfoLevel, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("order selected", zap.String("order_id", "abc"))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "order selected", line["msg"])
	assert.Equal(t, "abc", line["order_id"])
	assert.Contains(t, line, "ts")
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNew_File(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "console", File: filepath.Join(t.TempDir(), "orderflow.log")})
	require.NoError(t, err)
	log.Info("hello")
}
