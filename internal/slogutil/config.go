package slogutil

import (
	"io"
	"log/slog"
	"os"

	"github.com/javi11/nfsvfs/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogRotation configures slog with log rotation using lumberjack.
// If logConfig.File is empty, it logs to stderr only; otherwise it logs to
// both stderr and the rotated file. A nil leveler uses logConfig.Level.
func SetupLogRotation(logConfig config.LogConfig, leveler slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(logConfig, leveler, os.Stderr))
}

// NewHandler builds the context-aware handler described by logConfig,
// writing console output to console.
func NewHandler(logConfig config.LogConfig, leveler slog.Leveler, console io.Writer) Handler {
	writer := console

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,   // compress old files
		}
		writer = io.MultiWriter(console, fileWriter)
	}

	if leveler == nil {
		leveler = logConfig.SlogLevel()
	}

	var base slog.Handler
	if logConfig.Format == "json" {
		base = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:       leveler,
			ReplaceAttr: renameMessage,
		})
	} else {
		base = slog.NewTextHandler(writer, &slog.HandlerOptions{
			Level: leveler,
		})
	}

	return WrapHandler(base)
}
