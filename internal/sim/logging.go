// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var simLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the package logger. Used by the CLI to route logs to stderr.
func SetLogger(l *slog.Logger) {
	if l != nil {
		simLogger = l
	}
}

func baseFields(env Env, fields []any) []any {
	all := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		all = append(all, "correlation_id", env.CorrelationID)
	}
	return append(all, fields...)
}

func logEvent(env Env, message string, fields ...any) {
	simLogger.Info(message, baseFields(env, fields)...)
}

// logWarn records a soft failure: the operation keeps going.
func logWarn(env Env, message string, fields ...any) {
	simLogger.Warn(message, baseFields(env, fields)...)
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}
