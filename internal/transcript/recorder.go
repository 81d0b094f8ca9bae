package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// Recorder writes a loop's runs to a Store through loop hooks. Storage
// failures are logged and never reach the run.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	runID string
	seq   int
}

// NewRecorder creates a recorder for store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "transcript"), now: time.Now}
}

// Hooks returns loop hooks that record runs. Other hooks in base are kept
// and called first.
func (r *Recorder) Hooks(base agent.LoopHooks) agent.LoopHooks {
	hooks := base
	hooks.OnRunStart = func(runID, prompt string) {
		if base.OnRunStart != nil {
			base.OnRunStart(runID, prompt)
		}
		r.startRun(runID, prompt)
	}
	hooks.OnMessage = func(msg agent.Message) {
		if base.OnMessage != nil {
			base.OnMessage(msg)
		}
		r.append(msg)
	}
	hooks.OnRunEnd = func(result *agent.RunResult, err error) {
		if base.OnRunEnd != nil {
			base.OnRunEnd(result, err)
		}
		r.finishRun(result, err)
	}
	return hooks
}

func (r *Recorder) startRun(runID, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID, r.seq = runID, 0
	if err := r.store.StartRun(context.Background(), runID, prompt, r.now()); err != nil {
		r.logger.Warn("failed to record run start", "run_id", runID, "error", err)
	}
}

func (r *Recorder) append(msg agent.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return
	}
	r.seq++
	if err := r.store.Append(context.Background(), r.runID, r.seq, msg, r.now()); err != nil {
		r.logger.Warn("failed to record message", "run_id", r.runID, "seq", r.seq, "error", err)
	}
}

func (r *Recorder) finishRun(result *agent.RunResult, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if result == nil || r.runID != result.RunID {
		return
	}
	if err := r.store.FinishRun(context.Background(), result.RunID, result.Turns, string(result.Reason), runErr, r.now()); err != nil {
		r.logger.Warn("failed to record run end", "run_id", result.RunID, "error", err)
	}
	r.runID = ""
}
