package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/promptflow/internal/llm"
	"github.com/rendis/promptflow/internal/logging"
)

// DefaultMaxWorkers is the default map fan-out concurrency.
const DefaultMaxWorkers = 5

// Tracer receives step lifecycle events: start, end, stopped, prompt_data,
// item_end, item_error. Payload shape depends on the event.
type Tracer func(stepID, event string, payload any)

// ActionFunc is a caller-registered operation invoked by action steps.
type ActionFunc func(ctx context.Context, state Context, params map[string]any) (any, error)

// Options is the run-time options bag consumed, not owned, by the engine.
// The zero value runs a pipeline without tracing or LLM access (prompt steps
// then fail with a configuration error).
type Options struct {
	// Invoker executes LLM calls for prompt steps.
	Invoker llm.Invoker

	// Tracer receives step lifecycle events. Tracer panics are recovered and
	// logged; observability never aborts the pipeline.
	Tracer Tracer

	// Stop is a cooperative cancellation predicate, checked at workflow step
	// boundaries only. In-flight prompt calls and fan-outs are not interrupted.
	Stop func() bool

	// Debug installs a default slog tracer when no Tracer is set.
	Debug bool

	// AccessToken, Model and OutputMode are forwarded opaquely to the Invoker.
	AccessToken string
	Model       string
	OutputMode  string

	// MaxWorkers bounds map fan-out concurrency for maps that do not declare
	// their own width. Zero means DefaultMaxWorkers.
	MaxWorkers int

	// Actions is the registry consulted by action steps.
	Actions map[string]ActionFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) stopRequested() bool {
	return o.Stop != nil && o.Stop()
}

func (o *Options) workers() int {
	if o.MaxWorkers > 0 {
		return o.MaxWorkers
	}
	return DefaultMaxWorkers
}

// emit delivers one trace event. A panicking tracer is recovered and logged,
// never propagated.
func (o *Options) emit(ctx context.Context, stepID, event string, payload any) {
	tracer := o.Tracer
	if tracer == nil {
		if !o.Debug {
			return
		}
		tracer = o.debugTracer(ctx)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, o.logger()).Warn("tracer panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()

	tracer(stepID, event, payload)
}

func (o *Options) debugTracer(ctx context.Context) Tracer {
	log := logging.LogWith(ctx, o.logger())
	return func(stepID, event string, payload any) {
		log.Info("trace",
			slog.String("step", stepID),
			slog.String("event", event),
			slog.Any("payload", payload))
	}
}
