// status.go: Internal diagnostics logger
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// statusLogger builds the logger for problems of the appender itself. It
// never writes through the appender, so a failing file cannot recurse. The
// returned closer is nil unless the appender owns the sink.
func statusLogger(cfg *Config) (*slog.Logger, io.Closer) {
	if cfg.StatusLogger != nil {
		return cfg.StatusLogger.With("appender", cfg.Name), nil
	}
	if cfg.StatusFile != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.StatusFile,
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   true,
			LocalTime:  cfg.LocalTime,
		}
		h := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo})
		return slog.New(h).With("appender", cfg.Name), sink
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	return slog.New(h).With("appender", cfg.Name), nil
}
