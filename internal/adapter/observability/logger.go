package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
)

// SetupLogger configures a slog logger with service and environment fields.
// LOG_FORMAT selects json or text output; LOG_LEVEL overrides the default
// (debug in dev, info elsewhere).
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg)}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func logLevel(cfg config.Config) slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
