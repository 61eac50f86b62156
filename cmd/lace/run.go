package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/lace/internal/agentcore"
	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/budget"
	"github.com/obra/lace/internal/config"
	"github.com/obra/lace/internal/eventlog"
	"github.com/obra/lace/internal/executor"
	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/internal/registry"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/pkg/events"
)

// run implements the CLI's single-shot and --continue flows: build the
// runtime, resolve or create the thread, send one message (or drop
// into a simple stdin loop whenever --prompt is not given, with or
// without --continue), and report the exit code spec.md §6 specifies.
func run(cmd *cobra.Command, flags cliFlags) error {
	if cmd.Flags().Changed("prompt") && strings.TrimSpace(flags.prompt) == "" {
		return exitError{code: 1, msg: "prompt requires a prompt text"}
	}

	closer, err := setupLogging(flags.logLevel, flags.logFile)
	if err != nil {
		return exitError{code: 1, msg: err.Error()}
	}
	defer closer.Close()

	cfg, err := loadConfigOrDefaults(flags.configPath)
	if err != nil {
		return exitError{code: 1, msg: err.Error()}
	}
	if flags.provider != "" {
		cfg.Provider.Name = flags.provider
	}
	if flags.model != "" {
		cfg.Provider.Model = flags.model
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return exitError{code: 1, msg: err.Error()}
	}
	defer rt.store.Close()

	ctx := context.Background()
	th, err := resolveThread(ctx, rt.threads, flags.continueFlag, cmd.Flags().Changed("continue"))
	if err != nil {
		return exitError{code: 1, msg: err.Error()}
	}

	if flags.prompt != "" && !rt.provider.IsConfigured() {
		return exitError{code: 1, msg: fmt.Sprintf("provider %q is not configured (missing credential)", cfg.Provider.Name)}
	}

	a := buildAgent(rt, th.ID, cfg)

	if flags.prompt != "" {
		return runSingleShot(ctx, a, flags.prompt)
	}
	return runInteractive(ctx, a)
}

type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func loadConfigOrDefaults(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

type runtime struct {
	store    *eventlog.SQLStore
	threads  *thread.Manager
	registry *registry.Registry
	executor *executor.Executor
	provider provider.Provider
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "lace.db"
	}
	store, err := eventlog.OpenSQLStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	mgr := thread.NewManager(store)

	reg := registry.New()
	tracker := agentcore.NewFileReadTracker()
	if err := reg.Register(&registry.FileReadTool{Recorder: tracker}); err != nil {
		return nil, fmt.Errorf("register file_read tool: %w", err)
	}
	if err := reg.Register(&registry.FileEditTool{}); err != nil {
		return nil, fmt.Errorf("register file_edit tool: %w", err)
	}

	broker := approval.New()
	guard := executor.DefaultGuard()
	if cfg.Tools.MaxResultChars > 0 {
		guard.MaxChars = cfg.Tools.MaxResultChars
	}
	if cfg.Tools.SanitizeSecrets != nil {
		guard.SanitizeSecrets = *cfg.Tools.SanitizeSecrets
	}
	ex := executor.New(mgr, reg, broker, guard)

	prov, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	return &runtime{store: store, threads: mgr, registry: reg, executor: ex, provider: prov}, nil
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch strings.ToLower(cfg.Provider.Name) {
	case "", "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
		}), nil
	case "openai":
		return provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.Model), nil
	default:
		return nil, fmt.Errorf("unknown --provider %q", cfg.Provider.Name)
	}
}

func resolveThread(ctx context.Context, mgr *thread.Manager, continueFlag string, continueSet bool) (events.Thread, error) {
	if !continueSet {
		return mgr.CreateThread(ctx, "lace", "", events.ThreadMetadata{})
	}

	requested := strings.TrimSpace(continueFlag)
	th, _, err := mgr.ResumeOrCreate(ctx, requested, "lace", "", events.ThreadMetadata{})
	if errors.Is(err, thread.ErrUnknownThread) {
		th, createErr := mgr.CreateThread(ctx, "lace", "", events.ThreadMetadata{})
		if createErr != nil {
			return events.Thread{}, createErr
		}
		fmt.Printf("Unknown thread %q. Starting new conversation %s\n", requested, th.ID)
		return th, nil
	}
	if err != nil {
		return events.Thread{}, err
	}
	return th, nil
}

func buildAgent(rt *runtime, threadID string, cfg *config.Config) *agentcore.Agent {
	model := cfg.Provider.Model
	if model == "" {
		model = rt.provider.ProviderInfo().DefaultModel
	}

	tb := budget.TokenBudget{WarningThreshold: cfg.Budget.WarningThreshold}
	if info, err := rt.provider.ModelInfo(model); err == nil {
		tb = budget.NewWithThreshold(info, cfg.Budget.WarningThreshold)
	}

	var compactor *budget.Compactor
	summarizer := agentcore.ProviderSummarizer{
		Provider: rt.provider,
		Model:    model,
		Prompt:   cfg.Budget.SummarizationPrompt,
	}
	compactor = budget.NewCompactor(rt.threads, summarizer, cfg.Budget.CooldownTurns, cfg.Budget.KeepLastTurns)

	sink := agentcore.NewCallbackSink(printObservable)

	return agentcore.NewAgent(agentcore.Config{
		ThreadID:         threadID,
		Threads:          rt.threads,
		Provider:         rt.provider,
		Model:            model,
		Registry:         rt.registry,
		Executor:         rt.executor,
		Compactor:        compactor,
		Budget:           tb,
		Sink:             sink,
		SystemPrompt:     func() string { return defaultSystemPrompt },
		SupportsThinking: false,
		WorkingDirectory: cfg.Workspace.Root,
		ToolTempDir:      cfg.Workspace.TempDir,
	})
}

const defaultSystemPrompt = "You are lace, an interactive AI coding assistant. Use the available tools to help the user with their codebase."

// printObservable renders the Agent's streamed text and turn boundaries
// to stdout for a terminal session.
func printObservable(ctx context.Context, e agentcore.Event) {
	switch e.Type {
	case agentcore.EventToken:
		fmt.Print(e.Text)
	case agentcore.EventTurnCompleted:
		fmt.Println()
	case agentcore.EventToolUseStart:
		fmt.Fprintf(os.Stderr, "[tool] %s awaiting approval (call %s)\n", e.ToolName, e.ToolCallID)
	}
}

// runSingleShot sends one prompt, waits for the turn to finish, and
// exits 0 unless a fatal AgentError was recorded.
func runSingleShot(ctx context.Context, a *agentcore.Agent, prompt string) error {
	a.SendMessage(ctx, prompt, agentcore.SendOptions{})
	waitUntilIdle(a)
	if err := a.LastError(); err != nil {
		return exitError{code: 1, msg: err.Error()}
	}
	return nil
}

// runInteractive reads prompts from stdin, one turn per line, until EOF.
func runInteractive(ctx context.Context, a *agentcore.Agent) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.SendMessage(ctx, line, agentcore.SendOptions{})
		waitUntilIdle(a)
		if err := a.LastError(); err != nil {
			slog.Error("turn failed", "error", err)
		}
	}
	return scanner.Err()
}

func waitUntilIdle(a *agentcore.Agent) {
	for a.State() != agentcore.StateIdle && a.State() != agentcore.StateStopped {
		time.Sleep(10 * time.Millisecond)
	}
}
