package agent

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/deckhand/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DispatcherOptions configures tool dispatch.
type DispatcherOptions struct {
	// ToolTimeout bounds each call when positive. Tools with their own
	// timeout (the shell) usually leave this at zero.
	ToolTimeout time.Duration

	// DisableValidation skips JSON Schema validation of arguments.
	DisableValidation bool

	// ResultGuard bounds and redacts results before they reach history.
	ResultGuard ToolResultGuard

	// Logger receives dispatch diagnostics.
	Logger *slog.Logger

	// Metrics records dispatch counts and durations when set.
	Metrics *observability.Metrics

	// Tracer creates a span per dispatch.
	Tracer trace.Tracer
}

// DefaultDispatcherOptions returns the baseline dispatch options.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		ResultGuard: ToolResultGuard{MaxChars: 64 << 10},
		Logger:      slog.Default(),
		Tracer:      otel.Tracer("deckhand/agent"),
	}
}

func sanitizeDispatcherOptions(opts DispatcherOptions) DispatcherOptions {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("deckhand/agent")
	}
	if opts.ToolTimeout < 0 {
		opts.ToolTimeout = 0
	}
	return opts
}
