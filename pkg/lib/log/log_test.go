package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelSpec(t *testing.T) {
	t.Cleanup(func() { _ = ParseLevelSpec("info") })

	require.NoError(t, ParseLevelSpec("discovery/dht=debug, warn"))
	assert.True(t, enabled("discovery/dht", slog.LevelDebug))
	assert.False(t, enabled("protocol/sync", slog.LevelInfo))
	assert.True(t, enabled("protocol/sync", slog.LevelWarn))

	assert.Error(t, ParseLevelSpec("loud"))
	assert.Error(t, ParseLevelSpec("x=verbose"))
}

func TestLazyLogger_ComponentAttr(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		_ = ParseLevelSpec("info")
	})

	var buf bytes.Buffer
	require.NoError(t, Setup(Options{Level: "info", Format: "json", Output: &buf}))

	l := Logger("core/identity")
	l.Debug("不应输出")
	l.Info("身份已加载", "peer", "abc")

	out := buf.String()
	assert.NotContains(t, out, "不应输出")
	assert.Contains(t, out, `"component":"core/identity"`)
	assert.Contains(t, out, `"peer":"abc"`)
}

func TestSetup_UnknownFormat(t *testing.T) {
	assert.Error(t, Setup(Options{Format: "xml"}))
}

func TestCheckLevelSpec_NoSideEffect(t *testing.T) {
	t.Cleanup(func() { _ = ParseLevelSpec("info") })
	require.NoError(t, ParseLevelSpec("info"))

	require.NoError(t, CheckLevelSpec("debug,protocol/sync=warn"))
	assert.False(t, enabled("core/udp", slog.LevelDebug))
	assert.Error(t, CheckLevelSpec("chatty"))
}
