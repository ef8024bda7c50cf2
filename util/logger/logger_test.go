package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"unknown", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expect, ParseLevel(tt.level))
		})
	}
}

func TestSetup(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	Setup("warn", "json")
	assert.NotNil(t, Log)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestJSONFields(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, "json").With("run_id", "abc")
	l.Error("pair failed", "image", "cat.jpg", "error", errors.New("boom"), "dangling")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"abc"`)
	assert.Contains(t, out, `"image":"cat.jpg"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"message":"pair failed"`)
	assert.NotContains(t, out, "dangling")
}

func TestConsoleWriterHasNoColorOffTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf, "console").Info("hello", "k", 1)
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), "\x1b[")
}
