package slogutil

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/javi11/nfsvfs/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWith_AddsContextAttrs(t *testing.T) {
	ctx := With(context.Background(), "server", "h1", "block", 3)
	ctx = With(ctx, "block", 4)

	data := Data(ctx)
	assert.Equal(t, "h1", data["server"])
	assert.Equal(t, int64(4), data["block"])
	assert.Len(t, Attrs(ctx), 2)
	assert.Nil(t, Data(context.Background()))
}

func TestHandler_JSONIncludesContextData(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(config.LogConfig{Format: "json"}, slog.LevelInfo, &buf))

	ctx := With(context.Background(), "resource", "h1:/export/a.bin")
	logger.InfoContext(ctx, "Opened file", "size", 10)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Opened file", rec[MessageKey])
	assert.Equal(t, "h1:/export/a.bin", rec["resource"])
	assert.EqualValues(t, 10, rec["size"])
}

func TestDynamicLeveler(t *testing.T) {
	var buf bytes.Buffer
	leveler := NewDynamicLeveler(slog.LevelWarn)
	logger := slog.New(NewHandler(config.LogConfig{}, leveler, &buf))

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, leveler.UpdateLevel(slog.LevelDebug))
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, slog.LevelDebug, leveler.Level())
}

func TestNewHandler_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfsvfs.log")
	var console bytes.Buffer
	logger := slog.New(NewHandler(config.LogConfig{File: path, MaxSize: 1, Level: "debug"}, nil, &console))

	logger.Debug("to both")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, console.String(), "to both")
}
