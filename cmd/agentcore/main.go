// Package main provides the CLI entry point for agentcore, the headless
// agent runtime core: a step engine, protocol parser, job registry, and
// worker spawner wired to a rate-limited LLM client.
//
// # Basic Usage
//
// Run a single task to completion:
//
//	agentcore run "summarize the README"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models (used if ANTHROPIC_API_KEY is unset)
//   - AGENTCORE_MODEL: model name passed to the selected provider
//   - AGENTCORE_MAX_ITERATIONS: iteration cap for the step engine (default 25)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ediblackk/mylm-sub001/internal/agent"
	agentcontext "github.com/ediblackk/mylm-sub001/internal/agent/context"
	"github.com/ediblackk/mylm-sub001/internal/agent/providers"
	"github.com/ediblackk/mylm-sub001/internal/jobs"
	"github.com/ediblackk/mylm-sub001/internal/protocol"
	"github.com/ediblackk/mylm-sub001/internal/scratchpad"
	"github.com/ediblackk/mylm-sub001/internal/tools/subagent"
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree; separated from main for testing.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentcore",
		Short:        "agentcore - headless autonomous agent runtime core",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a single task through the step engine to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}
			history := models.History{Messages: []models.Message{
				models.NewMessage(models.RoleUser, args[0]),
			}}
			result, err := engine.Run(cmd.Context(), history)
			if err != nil {
				return err
			}
			fmt.Println(result.Answer)
			return nil
		},
	}
	return cmd
}

// buildEngine wires a StepEngine from environment variables: the single
// bootstrap path this module owns. Everything else (TOML/YAML config
// loading, multi-tenant profiles) is deliberately out of scope.
func buildEngine() (*agent.StepEngine, error) {
	provider, err := buildProvider()
	if err != nil {
		return nil, err
	}

	model := os.Getenv("AGENTCORE_MODEL")
	maxIterations := envInt("AGENTCORE_MAX_ITERATIONS", 25)

	registry := agent.NewToolRegistry()
	llm := agent.NewRateLimitedClient(agent.RateLimitedClientConfig{Provider: provider})
	executor := agent.NewExecutor(registry, agent.DefaultExecutorConfig())
	parser := protocol.NewParser(nil)
	shared := scratchpad.New()
	jobRegistry := jobs.NewRegistry()
	events := agent.NewEventBus()
	approval := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	contextMgr := agentcontext.NewManager(agentcontext.Config{MaxTokens: 100_000})

	factory := workerFactory(registry, approval, contextMgr)
	manager := subagent.NewManager(jobRegistry, events, shared, factory, 5)
	registry.Register(subagent.NewSpawnTool(manager))
	registry.Register(subagent.NewStatusTool(manager))
	registry.Register(subagent.NewCancelTool(manager))

	return &agent.StepEngine{
		LLM:        llm,
		Tools:      registry,
		Executor:   executor,
		Context:    contextMgr,
		Parser:     parser,
		Scratchpad: shared,
		Jobs:       jobRegistry,
		Events:     events,
		Approval:   approval,
		Config: agent.StepEngineConfig{
			MaxIterations:    maxIterations,
			Model:            model,
			MaxContextTokens: 100_000,
		},
	}, nil
}

// workerFactory builds the StepEngine used for each spawned worker; it
// shares the tool registry and LLM wiring with the parent engine but gets
// its own rate-limited client marked IsWorker so worker calls are keyed
// into the worker rate-limit class separately from the main loop.
func workerFactory(registry *agent.ToolRegistry, approval *agent.ApprovalChecker, contextMgr *agentcontext.Manager) subagent.WorkerFactory {
	return func(cfg subagent.WorkerConfig, jobID string, shared *scratchpad.Store) (*agent.StepEngine, models.History) {
		provider, err := buildProvider()
		if err != nil {
			provider = nil
		}
		llm := agent.NewRateLimitedClient(agent.RateLimitedClientConfig{Provider: provider, IsWorker: true})
		engine := &agent.StepEngine{
			LLM:        llm,
			Tools:      registry,
			Executor:   agent.NewExecutor(registry, agent.DefaultExecutorConfig()),
			Context:    contextMgr,
			Parser:     protocol.NewParser(nil),
			Scratchpad: shared,
			Approval:   approval,
			Config: agent.StepEngineConfig{
				MaxIterations: 15,
				Model:         cfg.Model,
			},
		}
		history := models.History{Messages: []models.Message{models.NewMessage(models.RoleUser, cfg.Task)}}
		return engine, history
	}
}

func buildProvider() (agent.LLMProvider, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return providers.NewOpenAIProvider(key), nil
	}
	return nil, fmt.Errorf("no provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
