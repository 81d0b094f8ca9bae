package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/deckhand/internal/observability"
)

const restartKey = "restart"

// Dispatcher resolves tool calls to sessions and runs them. It owns every
// session it creates: at most one per tool name, started lazily on first use
// and reused until restarted or closed.
type Dispatcher struct {
	registry *ToolRegistry
	opts     DispatcherOptions
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *ToolRegistry, opts DispatcherOptions) *Dispatcher {
	opts = sanitizeDispatcherOptions(opts)
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With("component", "dispatcher"),
		sessions: make(map[string]Session),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Registry returns the registry the dispatcher resolves names against.
func (d *Dispatcher) Registry() *ToolRegistry {
	return d.registry
}

// DispatchAll runs calls one at a time in emission order and returns one
// result per call, in the same order. Once ctx is cancelled, calls that have
// not started are skipped rather than run.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []ToolUse) []*ToolResult {
	results := make([]*ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			result := CancelledResult("skipped: interrupted before this call started")
			result.ToolUseID = call.ID
			d.opts.Metrics.RecordDispatch(call.Name, "skipped", 0)
			results = append(results, result)
			continue
		}
		results = append(results, d.Dispatch(ctx, call))
	}
	return results
}

// Dispatch runs a single call. It never returns nil and never fails: every
// problem is reported in the result so the model can react.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolUse) *ToolResult {
	start := time.Now()
	ctx, span := d.opts.Tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	result := d.dispatch(ctx, call)
	if result == nil {
		result = &ToolResult{}
	}
	result = d.opts.ResultGuard.Apply(result)
	result.ToolUseID = call.ID

	status := "ok"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case result.IsError:
		status = "error"
		span.SetAttributes(attribute.String("tool.error_kind", string(result.Kind)))
		observability.RecordError(span, errors.New(result.Error))
	}
	elapsed := time.Since(start)
	d.opts.Metrics.RecordDispatch(call.Name, status, elapsed)
	d.logger.Debug("tool dispatched",
		"tool", call.Name,
		"call_id", call.ID,
		"status", status,
		"kind", string(result.Kind),
		"duration_ms", elapsed.Milliseconds(),
	)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call ToolUse) *ToolResult {
	if len(call.Arguments) > MaxToolParamsSize {
		return ErrorResult(ErrorKindInvalidArguments, fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return ErrorResult(ErrorKindUnknownTool, "unknown tool: "+call.Name)
	}

	args, restart, onlyRestart, err := splitRestart(call.Arguments)
	if err != nil {
		return ErrorResult(ErrorKindInvalidArguments, err.Error())
	}

	session, failure := d.session(ctx, tool, restart)
	if failure != nil {
		return failure
	}
	if onlyRestart {
		return OutputResult(RestartedOutput)
	}

	if !d.opts.DisableValidation {
		if err := d.validate(tool, args); err != nil {
			return ErrorResult(ErrorKindInvalidArguments, err.Error())
		}
	}

	execCtx := ctx
	if d.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.opts.ToolTimeout)
		defer cancel()
	}

	result, err := session.Execute(execCtx, args)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return CancelledResult("interrupted: " + err.Error())
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return ErrorResult(ErrorKindTimeout, fmt.Sprintf("%s did not finish within %s", call.Name, d.opts.ToolTimeout))
		default:
			return ErrorResult(ErrorKindExecution, err.Error())
		}
	}
	// A session that honours cancellation reports our deadline as a
	// cancelled result; it is a timeout all the same.
	if result != nil && result.Cancelled && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		timeout := ErrorResult(ErrorKindTimeout, fmt.Sprintf("%s did not finish within %s", call.Name, d.opts.ToolTimeout))
		timeout.Output = result.Output
		timeout.Image = result.Image
		return timeout
	}
	return result
}

// session returns the live session for tool, creating it on first use. With
// restart set, an existing session is torn down and recreated first.
func (d *Dispatcher) session(ctx context.Context, tool Tool, restart bool) (Session, *ToolResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := tool.Name()
	if existing, ok := d.sessions[name]; ok {
		if !restart {
			return existing, nil
		}
		d.logger.Info("restarting tool session", "tool", name)
		if err := existing.Restart(ctx); err != nil {
			delete(d.sessions, name)
			if stopErr := existing.Stop(); stopErr != nil {
				d.logger.Warn("stop session after failed restart", "tool", name, "error", stopErr)
			}
			return nil, ErrorResult(ErrorKindNeedsRestart, fmt.Sprintf("restart %s: %v", name, err))
		}
		return existing, nil
	}

	session, err := tool.NewSession(ctx)
	if err != nil {
		return nil, ErrorResult(ErrorKindNeedsRestart, fmt.Sprintf("start %s: %v", name, err))
	}
	d.logger.Info("tool session started", "tool", name)
	d.sessions[name] = session
	return session, nil
}

// HasSession reports whether a session for the named tool is live.
func (d *Dispatcher) HasSession(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[name]
	return ok
}

// Close stops every session.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, session := range d.sessions {
		if err := session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
		delete(d.sessions, name)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) validate(tool Tool, args json.RawMessage) error {
	schema, err := d.compiledSchema(tool)
	if err != nil {
		d.logger.Warn("tool schema does not compile, skipping validation", "tool", tool.Name(), "error", err)
		return nil
	}
	if schema == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (d *Dispatcher) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()
	if compiled, ok := d.schemas[tool.Name()]; ok {
		return compiled, nil
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		d.schemas[tool.Name()] = nil
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	d.schemas[tool.Name()] = compiled
	return compiled, nil
}

// splitRestart removes the "restart" flag from an argument object. It
// reports whether a restart was requested and whether nothing else was.
func splitRestart(raw json.RawMessage) (json.RawMessage, bool, bool, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), false, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Not an object; leave it for schema validation to reject.
		return raw, false, false, nil
	}
	flag, ok := fields[restartKey]
	if !ok {
		return raw, false, false, nil
	}
	var restart bool
	if err := json.Unmarshal(flag, &restart); err != nil {
		return nil, false, false, fmt.Errorf("restart must be a boolean")
	}
	delete(fields, restartKey)
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, false, false, fmt.Errorf("encode arguments: %w", err)
	}
	return stripped, restart, restart && len(fields) == 0, nil
}
