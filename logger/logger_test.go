package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewZerologLogger(t *testing.T) {
	t.Run("adds service, message and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "netserver", zerolog.DebugLevel)

		l.Info("accepted", Field{Key: "id", Value: 3}, Field{Key: "host", Value: "127.0.0.1"})

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "netserver", lines[0]["service"])
		assert.Equal(t, "accepted", lines[0]["message"])
		assert.Equal(t, "info", lines[0]["level"])
		assert.EqualValues(t, 3, lines[0]["id"])
		assert.Equal(t, "127.0.0.1", lines[0]["host"])
		assert.Contains(t, lines[0], "time")
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "svc", zerolog.WarnLevel)

		l.Debug("d")
		l.Info("i")
		l.Warn("w")
		l.Error("e", Field{Key: "error", Value: errors.New("boom")})

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "w", lines[0]["message"])
		assert.Equal(t, "boom", lines[1]["error"])
	})

	t.Run("With attaches fields without changing the parent", func(t *testing.T) {
		var buf bytes.Buffer
		parent := NewZerologLogger(zerolog.New(&buf), "svc", zerolog.InfoLevel)
		child := parent.With(Field{Key: "driver", Value: "eventloop"})

		child.Info("child")
		parent.Info("parent")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "eventloop", lines[0]["driver"])
		assert.NotContains(t, lines[1], "driver")
		assert.NoError(t, child.Close())
	})
}

func TestNew(t *testing.T) {
	t.Run("json to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "server.log")
		l, err := New(Options{Service: "svc", Level: "debug", Format: FormatJSON, Output: path})
		require.NoError(t, err)

		l.Debug("hello", Field{Key: "k", Value: "v"})
		require.NoError(t, l.Close())
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &m))
		assert.Equal(t, "hello", m["message"])
		assert.Equal(t, "v", m["k"])
	})

	t.Run("text to file is plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "server.log")
		l, err := New(Options{Output: path})
		require.NoError(t, err)

		l.Info("started", Field{Key: "port", Value: 9090})
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "started")
		assert.Contains(t, string(data), "port=9090")
		assert.NotContains(t, string(data), "\x1b[")
	})

	t.Run("rejects bad level and format", func(t *testing.T) {
		_, err := New(Options{Level: "loud"})
		assert.Error(t, err)

		_, err = New(Options{Format: "html"})
		assert.Error(t, err)
	})

	t.Run("rejects unopenable file", func(t *testing.T) {
		_, err := New(Options{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
		assert.Error(t, err)
	})
}

func TestNewNopLogger(t *testing.T) {
	l := NewNopLogger()
	require.NotNil(t, l)
	l.Error("ignored", Field{Key: "k", Value: 1})
	assert.NoError(t, l.Close())
}
