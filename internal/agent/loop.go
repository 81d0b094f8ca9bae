package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/deckhand/internal/observability"
)

// LoopState is the turn loop's position in its state machine.
type LoopState string

const (
	StateIdle             LoopState = "idle"
	StateAwaitingModel    LoopState = "awaiting_model"
	StateAwaitingApproval LoopState = "awaiting_approval"
	StateExecuting        LoopState = "executing"
)

// StopReason explains why a run ended without error.
type StopReason string

const (
	// StopEndTurn means the model answered without requesting tools.
	StopEndTurn StopReason = "end_turn"
	// StopMaxTurns means the turn limit was reached. This is not an error.
	StopMaxTurns StopReason = "max_turns"
	// StopRequested means Stop was called.
	StopRequested StopReason = "stopped"
)

// LoopConfig configures the turn loop.
type LoopConfig struct {
	// MaxTurns caps model round-trips per run. Zero means no limit.
	MaxTurns int

	// Model is passed through to the provider.
	Model string

	// System is the system prompt.
	System string

	// MaxTokens limits each model response.
	MaxTokens int
}

// DefaultLoopConfig returns the baseline loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxTurns:  20,
		MaxTokens: 4096,
	}
}

func sanitizeLoopConfig(config LoopConfig) LoopConfig {
	if config.MaxTurns < 0 {
		config.MaxTurns = 0
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	return config
}

// LoopHooks observe a run. None of them can change its course.
type LoopHooks struct {
	// Assembler receives live text and argument previews.
	Assembler AssemblerHooks

	// OnStateChange fires on every state transition.
	OnStateChange func(from, to LoopState)

	// OnMessage fires after a message is appended to history.
	OnMessage func(msg Message)

	// OnApproval fires once per batch with the verdict.
	OnApproval func(calls []ToolUse, verdict Verdict)

	// OnToolResult fires for each result, in emission order.
	OnToolResult func(call ToolUse, result *ToolResult)

	// OnRunStart fires before the prompt is appended.
	OnRunStart func(runID, prompt string)

	// OnRunEnd fires when Run returns, with its return values.
	OnRunEnd func(result *RunResult, err error)
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID string
	// Turns counts the round-trips made by this run.
	Turns  int
	Reason StopReason
	// Text is the text of the last assistant message.
	Text string
}

// Loop drives model round-trips, gates tool calls, dispatches approved ones
// and folds their results back into its history.
//
// A Loop owns its history; it is never shared between loops. Runs on the
// same loop must not overlap.
type Loop struct {
	provider   Provider
	dispatcher *Dispatcher
	gate       *ApprovalGate
	config     LoopConfig
	history    *History
	turns      TurnCounter
	hooks      LoopHooks
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *observability.Metrics

	stop atomic.Bool

	mu         sync.Mutex
	state      LoopState
	running    bool
	cancelExec context.CancelFunc
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithHistory starts the loop from an existing conversation.
func WithHistory(history *History) LoopOption {
	return func(l *Loop) {
		if history != nil {
			l.history = history
		}
	}
}

// WithHooks installs observers.
func WithHooks(hooks LoopHooks) LoopOption {
	return func(l *Loop) { l.hooks = hooks }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracer sets the tracer used for run and round-trip spans.
func WithTracer(tracer trace.Tracer) LoopOption {
	return func(l *Loop) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = metrics }
}

// NewLoop creates a loop. A nil gate denies every tool call.
func NewLoop(provider Provider, dispatcher *Dispatcher, gate *ApprovalGate, config LoopConfig, opts ...LoopOption) *Loop {
	l := &Loop{
		provider:   provider,
		dispatcher: dispatcher,
		gate:       gate,
		config:     sanitizeLoopConfig(config),
		history:    NewHistory(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("deckhand/agent"),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loop")
	if l.gate == nil && dispatcher != nil {
		l.gate = NewApprovalGate(dispatcher.Registry(), ApprovalConfig{Logger: l.logger, Metrics: l.metrics})
	}
	return l
}

// History returns the loop's conversation.
func (l *Loop) History() *History {
	return l.history
}

// Turns returns the number of round-trips completed over the loop's
// lifetime. The turn limit applies to each run separately.
func (l *Loop) Turns() int {
	return l.turns.Value()
}

// State returns the current state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stop asks the loop to end at the top of its next turn. A running command
// is not interrupted; use Interrupt for that. The flag is consumed by the
// run that observes it.
func (l *Loop) Stop() {
	l.stop.Store(true)
}

// ResetStop clears a stop request that no run has consumed yet and reports
// whether one was pending.
func (l *Loop) ResetStop() bool {
	return l.stop.Swap(false)
}

// Interrupt cancels the tool calls currently executing. Calls that have not
// started are skipped. The run itself continues with the next model call.
// It reports whether anything was executing.
func (l *Loop) Interrupt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelExec == nil {
		return false
	}
	l.cancelExec()
	return true
}

// Run appends prompt as a user message and drives turns until the model
// stops requesting tools, the turn limit is reached, or Stop is called.
//
// Tool failures never end the run; they are appended as results. Only a
// malformed stream or a transport failure returns an error, wrapped in a
// *LoopError.
func (l *Loop) Run(ctx context.Context, prompt string) (result *RunResult, err error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, errors.New("loop is already running")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	result = &RunResult{RunID: uuid.NewString()}
	logger := l.logger.With("run_id", result.RunID)
	if l.hooks.OnRunStart != nil {
		l.hooks.OnRunStart(result.RunID, prompt)
	}
	if l.hooks.OnRunEnd != nil {
		defer func() { l.hooks.OnRunEnd(result, err) }()
	}
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("run.id", result.RunID)))
	defer span.End()

	if prompt != "" {
		l.appendMessage(Message{Role: RoleUser, Content: []ContentBlock{TextBlock(prompt)}})
	}

	startTurns := l.turns.Value()
	for {
		if l.stop.Swap(false) {
			result.Reason = StopRequested
			break
		}
		if l.config.MaxTurns > 0 && l.turns.Value()-startTurns >= l.config.MaxTurns {
			result.Reason = StopMaxTurns
			logger.Warn("turn limit reached", "max_turns", l.config.MaxTurns)
			break
		}

		l.setState(StateAwaitingModel)
		msg, err := l.roundTrip(ctx)
		if err != nil {
			l.setState(StateIdle)
			if IsProtocolError(err) {
				l.metrics.RecordProtocolError()
			}
			l.metrics.RecordRun("error")
			observability.RecordError(span, err)
			result.Turns = l.turns.Value() - startTurns
			return result, &LoopError{Phase: PhaseStream, Turn: l.turns.Value() + 1, Cause: err}
		}
		l.turns.Inc()
		l.metrics.RecordRoundTrip()
		if len(msg.Content) > 0 {
			l.appendMessage(msg)
		}
		result.Text = msg.Text()

		calls := msg.ToolUses()
		if len(calls) == 0 {
			result.Reason = StopEndTurn
			break
		}

		l.setState(StateAwaitingApproval)
		verdict, err := l.gate.Review(ctx, calls)
		if l.hooks.OnApproval != nil {
			l.hooks.OnApproval(calls, verdict)
		}
		if err != nil {
			l.setState(StateIdle)
			l.metrics.RecordRun("error")
			result.Turns = l.turns.Value() - startTurns
			return result, &LoopError{Phase: PhaseApproval, Turn: l.turns.Value(), Cause: err}
		}

		l.setState(StateExecuting)
		results := l.execute(ctx, calls, verdict)
		blocks := make([]ContentBlock, 0, len(results))
		for i, res := range results {
			if l.hooks.OnToolResult != nil {
				l.hooks.OnToolResult(calls[i], res)
			}
			blocks = append(blocks, ToolResultBlock(res))
		}
		l.appendMessage(Message{Role: RoleUser, Content: blocks})
		logger.Debug("turn complete", "turn", l.turns.Value(), "tool_calls", len(calls), "verdict", string(verdict))
	}

	l.setState(StateIdle)
	result.Turns = l.turns.Value() - startTurns
	l.metrics.RecordRun(string(result.Reason))
	span.SetAttributes(attribute.String("run.stop_reason", string(result.Reason)), attribute.Int("run.turns", result.Turns))
	logger.Info("run finished", "turns", result.Turns, "reason", string(result.Reason))
	return result, nil
}

// roundTrip streams one model response and assembles it into an assistant
// message.
func (l *Loop) roundTrip(ctx context.Context) (Message, error) {
	ctx, span := l.tracer.Start(ctx, "model.round_trip", trace.WithAttributes(
		attribute.String("provider", l.provider.Name()),
		attribute.Int("turn", l.turns.Value()+1),
	))
	defer span.End()

	req := &Request{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  l.history.Messages(),
		Tools:     l.dispatcher.Registry().Specs(),
		MaxTokens: l.config.MaxTokens,
	}
	events, err := l.provider.Stream(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		return Message{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	// Whatever the provider still has buffered is discarded once we return.
	defer func() {
		go func() {
			for range events {
			}
		}()
	}()

	asm := NewAssembler(l.hooks.Assembler)
	for !asm.Done() {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := asm.Finish(); err != nil {
					observability.RecordError(span, err)
					return Message{}, err
				}
				continue
			}
			if _, err := asm.Feed(ev); err != nil {
				observability.RecordError(span, err)
				return Message{}, err
			}
		}
	}

	var content []ContentBlock
	for _, block := range asm.Blocks() {
		if block.Type == BlockText && block.Text == "" {
			continue
		}
		content = append(content, block)
	}
	return Message{Role: RoleAssistant, Content: content}, nil
}

// execute runs approved calls through the dispatcher, or marks every call
// skipped when the batch was denied. It returns exactly one result per call.
func (l *Loop) execute(ctx context.Context, calls []ToolUse, verdict Verdict) []*ToolResult {
	if !verdict.Approved() {
		results := make([]*ToolResult, len(calls))
		for i, call := range calls {
			res := CancelledResult("skipped: the user denied this tool call")
			res.ToolUseID = call.ID
			results[i] = res
		}
		return results
	}

	execCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelExec = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelExec = nil
		l.mu.Unlock()
		cancel()
	}()

	return l.dispatcher.DispatchAll(execCtx, calls)
}

func (l *Loop) appendMessage(msg Message) {
	l.history.Append(msg)
	if l.hooks.OnMessage != nil {
		l.hooks.OnMessage(msg)
	}
}

func (l *Loop) setState(next LoopState) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	l.mu.Unlock()
	if prev != next && l.hooks.OnStateChange != nil {
		l.hooks.OnStateChange(prev, next)
	}
}
