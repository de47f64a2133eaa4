package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/l0p7/offgate/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterEmitsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("cache generation activated")
	require.Contains(t, buf.String(), `"component":"offgate"`)
	require.Contains(t, buf.String(), "cache generation activated")
}

func TestNewWithWriterHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("suppressed")
	logger.Warn("emitted")
	require.NotContains(t, buf.String(), "suppressed")
	require.Contains(t, buf.String(), "emitted")
}

func TestNewWithWriterTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Debug("hello")
	require.True(t, strings.Contains(buf.String(), "msg=hello"))
}

func TestNewWithWriterDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{}, &buf)
	require.NoError(t, err)

	logger.Debug("below default level")
	require.Empty(t, buf.String())

	logger.Info("at default level")
	require.Contains(t, buf.String(), `"msg":"at default level"`)
}

func TestNewWithWriterRejectsUnknownLevel(t *testing.T) {
	_, err := NewWithWriter(config.LoggingConfig{Level: "verbose"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNewWithWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewWithWriter(config.LoggingConfig{Format: "logfmt"}, &bytes.Buffer{})
	require.Error(t, err)
}
