package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&Config{LogLevel: "debug", LogFormat: "json"}, &buf)
		logger.Debug("Session started.")

		assert.Contains(t, buf.String(), `"msg":"Session started."`)
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&Config{LogLevel: "warn", LogFormat: "text"}, &buf)
		logger.Info("Quiet.")
		logger.Warn("Loud.")

		assert.NotContains(t, buf.String(), "Quiet.")
		assert.Contains(t, buf.String(), "Loud.")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&Config{LogLevel: "loud", LogFormat: "text"}, &buf)
		logger.Debug("Hidden.")
		logger.Info("Visible.")

		assert.NotContains(t, buf.String(), "Hidden.")
		assert.Contains(t, buf.String(), "Visible.")
	})
}
