package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/deckhand/internal/agent"
	"github.com/haasonsaas/deckhand/internal/config"
	"github.com/haasonsaas/deckhand/internal/observability"
	"github.com/haasonsaas/deckhand/internal/transcript"
)

// =============================================================================
// Run Command Handler
// =============================================================================

// runAgent wires the configured provider, tools and approval gate into a
// loop and either runs one prompt or reads prompts until EOF.
func runAgent(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load(resolveConfigPath(configPath), func(c *config.Config) {
		if opts.provider != "" {
			c.Provider.Name = opts.provider
		}
		if opts.model != "" {
			c.Provider.Model = opts.model
		}
		if opts.autoRun {
			c.Loop.AutoRun = true
		}
		if cmd.Flags().Changed("max-turns") {
			turns := opts.maxTurns
			c.Loop.MaxTurns = &turns
		}
	})
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	var metrics *observability.Metrics
	if cfg.Metrics.Listen != "" {
		var stopMetrics func()
		metrics, stopMetrics, err = startMetricsServer(cfg.Metrics.Listen, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	provider, err := newProvider(ctx, cfg.Provider)
	if err != nil {
		if env := config.APIKeyEnv(cfg.Provider.Name); env != "" && cfg.Provider.APIKey == "" {
			return fmt.Errorf("failed to create provider: %w (set provider.api_key or %s)", err, env)
		}
		return fmt.Errorf("failed to create provider: %w", err)
	}
	registry, err := newToolRegistry(cfg, logger)
	if err != nil {
		return err
	}

	dispatchOpts := agent.DefaultDispatcherOptions()
	dispatchOpts.ToolTimeout = cfg.Loop.ToolTimeout
	dispatchOpts.ResultGuard.MaxChars = cfg.Loop.MaxResultChars
	dispatchOpts.Logger = logger
	dispatchOpts.Metrics = metrics
	dispatchOpts.Tracer = tracer.Tracer()
	dispatcher := agent.NewDispatcher(registry, dispatchOpts)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("failed to stop tool sessions", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	prompter := agent.NewTerminalPrompter(cmd.InOrStdin(), out)
	gate := agent.NewApprovalGate(registry, agent.ApprovalConfig{
		AutoRun:   cfg.Loop.AutoRun,
		AllowList: agent.NewAllowList(allowEntries(cfg.Loop.Allow)...),
		Prompter:  prompter,
		Logger:    logger,
		Metrics:   metrics,
	})

	render := newRenderer(out, isTerminal(out))
	hooks := render.hooks()
	if cfg.Transcript.Enabled {
		store, err := transcript.Open(ctx, cfg.Transcript.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		hooks = transcript.NewRecorder(store, logger).Hooks(hooks)
	}

	system := cfg.Loop.System
	if system == "" {
		system = defaultSystemPrompt
	}
	newLoop := func() *agent.Loop {
		return agent.NewLoop(provider, dispatcher, gate, agent.LoopConfig{
			MaxTurns:  *cfg.Loop.MaxTurns,
			Model:     cfg.Provider.Model,
			System:    system,
			MaxTokens: cfg.Loop.MaxTokens,
		},
			agent.WithHooks(hooks),
			agent.WithLogger(logger),
			agent.WithTracer(tracer.Tracer()),
			agent.WithMetrics(metrics),
		)
	}

	s := &replSession{loop: newLoop(), newLoop: newLoop, render: render, prompter: prompter, out: out, logger: logger}
	if opts.prompt != "" {
		return s.runOnce(ctx, opts.prompt)
	}
	fmt.Fprintf(out, "deckhand %s · %s · tools: %s\n", version, cfg.Provider.Name, strings.Join(registry.Names(), ", "))
	return s.repl(ctx)
}

type replSession struct {
	loop     *agent.Loop
	newLoop  func() *agent.Loop
	render   *renderer
	prompter *agent.TerminalPrompter
	out      io.Writer
	logger   *slog.Logger
}

func (s *replSession) runOnce(ctx context.Context, prompt string) error {
	result, err := s.runWithSignals(ctx, prompt)
	s.render.finishTurn()
	s.report(result)
	return err
}

func (s *replSession) repl(ctx context.Context) error {
	for {
		fmt.Fprint(s.out, toolStyle.Render("› "))
		line, err := s.prompter.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}

		switch prompt := strings.TrimSpace(line); prompt {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			s.loop = s.newLoop()
			s.render.notice("started a new conversation")
			continue
		default:
			result, err := s.runWithSignals(ctx, prompt)
			s.render.finishTurn()
			s.loop.ResetStop()
			if err != nil {
				s.render.notice("run failed: %v", err)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			s.report(result)
		}
	}
}

// runWithSignals runs prompt while Ctrl-C escalates: the first press
// interrupts the running command, the second stops after the current turn
// and the third abandons the run.
func (s *replSession) runWithSignals(ctx context.Context, prompt string) (*agent.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	type outcome struct {
		result *agent.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.loop.Run(runCtx, prompt)
		done <- outcome{result, err}
	}()

	presses := 0
	for {
		select {
		case o := <-done:
			return o.result, o.err
		case <-sigs:
			presses++
			switch {
			case presses == 1 && s.loop.Interrupt():
				s.render.notice("interrupted; Ctrl-C again stops after this turn")
			case presses <= 2:
				presses = 2
				s.loop.Stop()
				s.render.notice("stopping after this turn; Ctrl-C again abandons the run")
			default:
				s.render.notice("abandoning the run")
				cancel()
			}
		}
	}
}

func (s *replSession) report(result *agent.RunResult) {
	if result == nil {
		return
	}
	s.logger.Debug("run result", "run_id", result.RunID, "turns", result.Turns, "reason", string(result.Reason))
	switch result.Reason {
	case agent.StopMaxTurns:
		s.render.notice("turn limit reached after %d turns; send another prompt to continue", result.Turns)
	case agent.StopRequested:
		s.render.notice("stopped after %d turns", result.Turns)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
