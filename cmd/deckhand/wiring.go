package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/deckhand/internal/agent"
	"github.com/haasonsaas/deckhand/internal/agent/providers"
	"github.com/haasonsaas/deckhand/internal/config"
	"github.com/haasonsaas/deckhand/internal/observability"
	"github.com/haasonsaas/deckhand/internal/tools/computeruse"
	"github.com/haasonsaas/deckhand/internal/tools/files"
	"github.com/haasonsaas/deckhand/internal/tools/shell"
)

const defaultSystemPrompt = `You are deckhand, an assistant that works on the user's machine.
Use the bash tool to run commands, str_replace_editor to read and change files, and
the computer tool (when available) to operate the desktop. Prefer small, verifiable
steps. A tool result saying the user denied a call means you must not retry it
unchanged; ask or choose another approach.`

// newProvider builds the configured model provider.
func newProvider(ctx context.Context, cfg config.ProviderConfig) (agent.Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return asProvider(providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		}))
	case "openai":
		return asProvider(providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		}))
	case "bedrock":
		return asProvider(providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			DefaultModel:    cfg.Model,
			MaxRetries:      cfg.MaxRetries,
			RetryDelay:      cfg.RetryDelay,
		}))
	case "google":
		return asProvider(providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:       cfg.APIKey,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		}))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// asProvider keeps a nil concrete provider from becoming a non-nil interface.
func asProvider[P agent.Provider](p P, err error) (agent.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// newToolRegistry registers the tools the config enables.
func newToolRegistry(cfg *config.Config, logger *slog.Logger) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()
	if config.Enabled(cfg.Shell.Enabled) {
		err := registry.Register(shell.NewTool(shell.Config{
			Shell:      cfg.Shell.Shell,
			Dir:        cfg.Shell.Dir,
			Env:        cfg.Shell.Env,
			Timeout:    cfg.Shell.Timeout,
			MaxOutput:  cfg.Shell.MaxOutput,
			ForcePipes: cfg.Shell.ForcePipes,
			Logger:     logger,
		}))
		if err != nil {
			return nil, err
		}
	}
	if config.Enabled(cfg.Editor.Enabled) {
		err := registry.Register(files.NewTool(files.Config{
			Workspace:    cfg.Editor.Workspace,
			MaxFileBytes: cfg.Editor.MaxFileBytes,
			SnippetLines: cfg.Editor.SnippetLines,
			Logger:       logger,
		}))
		if err != nil {
			return nil, err
		}
	}
	if cfg.Computer.Enabled {
		err := registry.Register(computeruse.NewTool(computeruse.Config{
			Display:           cfg.Computer.Display,
			WidthPx:           cfg.Computer.WidthPx,
			HeightPx:          cfg.Computer.HeightPx,
			Xdotool:           cfg.Computer.Xdotool,
			ScreenshotCommand: cfg.Computer.ScreenshotCommand,
			ScreenshotDelay:   cfg.Computer.ScreenshotDelay,
			Logger:            logger,
		}))
		if err != nil {
			return nil, err
		}
	}
	if len(registry.Names()) == 0 {
		return nil, errors.New("no tools enabled")
	}
	return registry, nil
}

func allowEntries(entries []config.AllowEntry) []agent.AllowEntry {
	out := make([]agent.AllowEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, agent.AllowEntry{Tool: entry.Tool, Subject: entry.Subject})
	}
	return out
}

// startMetricsServer serves /metrics on addr until the returned function is
// called. The registry carries only deckhand and Go runtime collectors.
func startMetricsServer(addr string, logger *slog.Logger) (*observability.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
