package log

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" DEBUG ": LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC)

	line := formatEntry(at, LevelError, CatTx, "Commit failed", []any{"tx", "t1", "attempt", 2})
	require.Equal(t, "2025-12-06T10:45:00 [ERROR] [tx] Commit failed tx=t1 attempt=2\n", line)

	line = formatEntry(at, LevelDebug, CatIndex, "Opened", []any{"dir"})
	require.Equal(t, "2025-12-06T10:45:00 [DEBUG] [index] Opened dir=<missing>\n", line)
}

func TestInitWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelWarn)
	t.Cleanup(func() { defaultLogger = nil })

	Debug(CatResource, "hidden")
	Info(CatResource, "hidden")
	Warn(CatResource, "shown", "key", "k")
	ErrorErr(CatBroker, "failed", errors.New("boom"))
	ErrorErr(CatBroker, "nil error", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "[WARN] [resource] shown key=k")
	require.Contains(t, lines[1], "[ERROR] [broker] failed error=boom")
	require.Contains(t, lines[2], "error=<nil>")

	SetMinLevel(LevelDebug)
	Debug(CatResource, "now visible")
	require.Contains(t, buf.String(), "now visible")

	SetEnabled(false)
	Error(CatResource, "muted")
	require.NotContains(t, buf.String(), "muted")
}

func TestNewListener(t *testing.T) {
	InitWriter(&bytes.Buffer{}, LevelInfo)
	t.Cleanup(func() { defaultLogger = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewListener(ctx)
	require.NotNil(t, ch)

	Info(CatCache, "hello", "n", 1)
	select {
	case e := <-ch:
		require.Contains(t, e.Payload, "[INFO] [cache] hello n=1")
	case <-time.After(time.Second):
		require.Fail(t, "no log event")
	}
}

func TestWithoutLogger(t *testing.T) {
	defaultLogger = nil
	require.NotPanics(t, func() { Error(CatTx, "dropped") })
	require.Nil(t, NewListener(context.Background()))
}
