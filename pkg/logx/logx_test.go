package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("monitor"), String("k", "first"))
	log.Info("hello", String("k", "second"), Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "monitor", m["comp"])
	assert.Equal(t, float64(3), m["n"])
	assert.Equal(t, "boom", m["err"])
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestLoggerZeroValueDiscards(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestFormatChatLine(t *testing.T) {
	line := []byte(`{"level":"warn","message":"sync failed","time":"x","url":"https://a","comp":"monitor"}`)
	got := formatChatLine(line)
	assert.Equal(t, "[WARN] sync failed\n- comp=monitor\n- url=https://a", got)

	assert.Equal(t, "not json", formatChatLine([]byte("  not json \n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
