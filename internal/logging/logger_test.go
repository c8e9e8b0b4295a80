package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCaptureNamedLogger(t *testing.T) {
	var buf bytes.Buffer
	SetCapture(&buf, zapcore.InfoLevel)

	Named(NamePump).Info("pump on", zap.Int("pump", 1))

	out := buf.String()
	assert.Contains(t, out, `"logger":"pump"`)
	assert.Contains(t, out, `"msg":"pump on"`)
	assert.Contains(t, out, `"pump":1`)
}

func TestCaptureRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetCapture(&buf, zapcore.WarnLevel)

	Named(NameEngine).Info("dropped")
	assert.Empty(t, buf.String())
}

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestInitWithFile(t *testing.T) {
	dir := t.TempDir()
	err := Init(Options{Level: "debug", File: filepath.Join(dir, "logs", "controller.log")})
	require.NoError(t, err)
	Named(NameClock).Debug("ok")
	Sync()
	SetNop()
}
