package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/request-gateway/internal/config"
)

// SetupLogger configures a JSON slog logger on stdout with service fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}

// NewLogger builds the gateway logger on w. Dev runs at debug level, test runs
// at warn to keep test output quiet, everything else at info.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch {
	case cfg.IsDev():
		opts.Level = slog.LevelDebug
	case cfg.IsTest():
		opts.Level = slog.LevelWarn
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
