package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerReportedForBothVariants(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: DEBUG, output: &buf}

	l.Info("plain message")
	l.Infow("kv message", "storeID", "store-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	// Обе формы должны указывать на место вызова, а не на кадр внутри логгера
	for _, line := range lines {
		assert.Contains(t, line, "logger_test.go:")
		assert.NotContains(t, line, "logger/logger.go:")
	}
	assert.Contains(t, lines[1], "storeID=store-1")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: WARN, output: &buf}

	l.Debug("dropped")
	l.Infow("dropped too", "k", "v")
	l.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}
