// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package logkit provides the structured logging used throughout
// clusteracct. Every phase transition of a poll tick emits one JSON object
// per line to stdout, per spec §6: {ts, level, cluster, phase, ...}.
package logkit

import (
	"log/slog"
	"os"
	"time"
)

// Logger is the structured logging interface used across the pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger wraps slog.Logger to implement Logger.
type slogLogger struct {
	logger *slog.Logger
}

// Config controls the logger's output format and level.
type Config struct {
	Level  slog.Level
	Output *os.File
}

// DefaultConfig returns JSON-to-stdout at INFO level, matching spec §6's
// "one JSON object per line on stdout" contract.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Output: os.Stdout}
}

// New creates a Logger. A nil config uses DefaultConfig.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339))
			}
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "phase", Value: a.Value}
			}
			return a
		},
	}
	handler := slog.NewJSONHandler(cfg.Output, opts)
	return &slogLogger{logger: slog.New(handler)}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

// NoOp discards all log output; used in tests that don't assert on logs.
type NoOp struct{}

func (NoOp) Debug(msg string, args ...any) {}
func (NoOp) Info(msg string, args ...any)  {}
func (NoOp) Warn(msg string, args ...any)  {}
func (NoOp) Error(msg string, args ...any) {}
func (NoOp) With(args ...any) Logger       { return NoOp{} }

// WithCluster returns a logger pre-populated with the cluster field, the
// one attribute every structured log line in spec §6 requires alongside
// ts/level/phase.
func WithCluster(l Logger, cluster string) Logger {
	return l.With("cluster", cluster)
}
