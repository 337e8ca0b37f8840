package logging

import (
	"io"
	"log/slog"
	"strings"
)

type LogCode string

const (
	// SYSTEM EVENTS
	SYSTEM LogCode = "SYSTEM"

	// UPLOAD / REPROCESS REQUESTS
	UPLOAD    LogCode = "UPLOAD"
	REPROCESS LogCode = "REPROCESS"

	// PIPELINE STAGES
	UNPACK     LogCode = "UNPACK"
	DESCRIPTOR LogCode = "DESCRIPTOR"
	STRUCTURE  LogCode = "STRUCTURE"
	CHANGELOG  LogCode = "CHANGELOG"
	META_FILES LogCode = "META_FILES"
	TARBALL    LogCode = "TARBALL"
	VERIFY     LogCode = "VERIFY"
	PUBLISH    LogCode = "PUBLISH"
)

// Attr returns the slog attribute used to tag a record with its log code.
func (c LogCode) Attr() slog.Attr {
	return slog.String("code", string(c))
}

// VictoriaLogs has fixed field name for time (_time) and message(_msg). This function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the handler for the given format: "json", "text" or "victoria".
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	switch strings.ToLower(format) {
	case "victoria":
		opts := GetVictoriaLogsOptions(false)
		opts.Level = level
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}
