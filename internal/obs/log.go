package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"erpcore.dev/internal/config"
)

const serviceName = "erp-auth"

// NewLogger builds the process logger: JSON (default) or text output,
// level filtering, and service/version attributes on every record.
func NewLogger(cfg config.LoggingConfig, version string) *slog.Logger {
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}
	return newLogger(out, cfg, version)
}

func newLogger(out io.Writer, cfg config.LoggingConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// ParseLevel converts debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops every record. Used as the default
// for services constructed without WithLogger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
