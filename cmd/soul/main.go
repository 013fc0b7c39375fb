// Package main provides the CLI entry point for the Soul agent engine.
//
// Soul runs a bounded-context, tool-using conversation loop against a
// configured LLM provider, persisting every turn to a session store and
// optionally exposing the run over a Wire for an interactive UI.
//
// # Basic Usage
//
// Start a one-shot turn and exit:
//
//	soul run -c "list the files in this repo"
//
// Resume an existing session interactively:
//
//	soul resume <session-id> --ui shell
//
// List known sessions:
//
//	soul sessions list
//
// # Environment Variables
//
//   - SOUL_CONFIG: path to the YAML configuration file
//   - SOUL_SESSIONS_DIR: overrides sessions.directory from the config file
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenwick-ai/soul/internal/agent"
	"github.com/fenwick-ai/soul/internal/agent/providers"
	"github.com/fenwick-ai/soul/internal/config"
	"github.com/fenwick-ai/soul/internal/denwarenji"
	"github.com/fenwick-ai/soul/internal/housekeeping"
	"github.com/fenwick-ai/soul/internal/policy"
	"github.com/fenwick-ai/soul/internal/sessions"
	"github.com/fenwick-ai/soul/internal/wire"
	"github.com/fenwick-ai/soul/pkg/models"
)

// Exit codes from spec.md §6: 0 success, 1 user error, 2 provider/config
// error, 130 cancelled.
const (
	exitSuccess       = 0
	exitUserError     = 1
	exitProviderError = 2
	exitCancelled     = 130
)

// cliError carries the exit code a failed command should terminate with,
// alongside the human-readable cause cobra prints.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &cliError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func providerError(err error) error {
	return &cliError{code: exitProviderError, err: err}
}

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ce *cliError
		if errors.As(err, &ce) {
			if !errors.Is(ce.err, context.Canceled) {
				slog.Error("command failed", "error", ce.err)
			}
			os.Exit(ce.code)
		}
		slog.Error("command failed", "error", err)
		os.Exit(exitUserError)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "soul",
		Short:        "Soul - a bounded-context, tool-using agent loop",
		Long:         "Soul runs a step loop over an LLM provider, with checkpoint/revert, approvals, and a durable session log.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SOUL_CONFIG"), "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var command string
	var ui string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(configPath)
			if err != nil {
				return err
			}
			stopKeeper, err := startHousekeeping(deps)
			if err != nil {
				return providerError(err)
			}
			defer stopKeeper()
			session := &models.Session{Model: deps.defaultModel}
			if err := deps.store.Create(cmd.Context(), session); err != nil {
				return providerError(fmt.Errorf("create session: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session: %s\n", session.ID)
			return runTurns(cmd.Context(), cmd, deps, session, command, ui)
		},
	}
	cmd.Flags().StringVarP(&command, "command", "c", "", "Run a single message non-interactively and exit")
	cmd.Flags().StringVar(&ui, "ui", "print", "UI mode: print or shell")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var command string
	var ui string
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(configPath)
			if err != nil {
				return err
			}
			stopKeeper, err := startHousekeeping(deps)
			if err != nil {
				return providerError(err)
			}
			defer stopKeeper()
			session, err := deps.store.Get(cmd.Context(), args[0])
			if err != nil {
				return userError("session not found: %s", args[0])
			}
			return runTurns(cmd.Context(), cmd, deps, session, command, ui)
		},
	}
	cmd.Flags().StringVarP(&command, "command", "c", "", "Run a single message non-interactively and exit")
	cmd.Flags().StringVar(&ui, "ui", "print", "UI mode: print or shell")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDeps(configPath)
			if err != nil {
				return err
			}
			metas, err := deps.store.List(cmd.Context(), sessions.ListOptions{})
			if err != nil {
				return providerError(fmt.Errorf("list sessions: %w", err))
			}
			out := cmd.OutOrStdout()
			for _, meta := range metas {
				title := meta.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", meta.ID, meta.Model, meta.UpdatedAt.Format("2006-01-02 15:04"), title)
			}
			return nil
		},
	}
}

// soulDeps bundles the runtime pieces a turn needs, built once per
// invocation from the loaded configuration.
type soulDeps struct {
	cfg          *config.Config
	store        sessions.Store
	runtime      *agent.SoulRuntime
	defaultModel string
	keeper       *housekeeping.Housekeeper // nil when housekeeping.enabled is false
}

func loadDeps(path string) (*soulDeps, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, userError("loading config: %v", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, providerError(err)
	}

	provider, defaultModel, err := buildProvider(cfg)
	if err != nil {
		return nil, providerError(err)
	}

	approvals, err := buildApprovalStore(cfg)
	if err != nil {
		return nil, providerError(err)
	}
	checker := buildApprovalChecker(cfg)
	if approvals != nil {
		checker.SetStore(approvals)
	}

	loopCfg := &agent.LoopConfig{
		MaxIterations:       cfg.Loop.MaxIterations,
		MaxToolCalls:        cfg.Loop.MaxToolCalls,
		MaxWallTime:         cfg.Loop.MaxWallTime,
		ContextTokenLimit:   cfg.LLM.ContextWindowTokens,
		CompactionThreshold: float64(cfg.Compaction.ThresholdPercent) / 100,
		Summarizer:          agent.NewProviderSummarizer(provider, defaultModel),
		ApprovalChecker:     checker,
	}

	runtime := agent.NewSoulRuntime(provider, store, loopCfg)
	runtime.SetDefaultModel(defaultModel)

	var keeper *housekeeping.Housekeeper
	if cfg.Housekeeping.Enabled {
		keeper = housekeeping.New(store, approvals, cfg.Sessions.RetentionDays)
	}

	return &soulDeps{cfg: cfg, store: store, runtime: runtime, defaultModel: defaultModel, keeper: keeper}, nil
}

func buildStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Database.Backend {
	case "", "file":
		dir := cfg.Sessions.Directory
		if v := strings.TrimSpace(os.Getenv("SOUL_SESSIONS_DIR")); v != "" {
			dir = v
		}
		return sessions.NewFileStore(dir)
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Database.DSN)
	case "postgres":
		return sessions.NewPostgresStoreFromDSN(cfg.Database.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown database backend: %s", cfg.Database.Backend)
	}
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, string, error) {
	name := cfg.LLM.DefaultProvider
	providerCfg := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("configure anthropic provider: %w", err)
		}
		return p, providerCfg.DefaultModel, nil
	case "openai":
		if strings.TrimSpace(providerCfg.APIKey) == "" {
			return nil, "", fmt.Errorf("openai provider requires an API key")
		}
		return providers.NewOpenAIProvider(providerCfg.APIKey), providerCfg.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider: %s", name)
	}
}

// buildApprovalStore creates the persistent ApprovalStore backing both the
// running ApprovalChecker and housekeeping's approval-pruning sweep. Only
// the file backend has a natural root directory for approvals.json files;
// sqlite/postgres backends run with pending approvals held in memory only
// (ApprovalChecker still works, just without cross-restart durability or a
// pruning sweep to run against).
func buildApprovalStore(cfg *config.Config) (agent.ApprovalStore, error) {
	if cfg.Database.Backend != "" && cfg.Database.Backend != "file" {
		return nil, nil
	}
	dir := cfg.Sessions.Directory
	if v := strings.TrimSpace(os.Getenv("SOUL_SESSIONS_DIR")); v != "" {
		dir = v
	}
	store, err := agent.NewFileApprovalStore(dir)
	if err != nil {
		return nil, fmt.Errorf("configure approval store: %w", err)
	}
	return store, nil
}

// buildApprovalChecker expands cfg.Tools.Approval.Profile through
// internal/policy's profile/group registry into a flat tool allowlist,
// folded in alongside whatever the user listed explicitly.
func buildApprovalChecker(cfg *config.Config) *agent.ApprovalChecker {
	allowlist := append([]string{}, cfg.Tools.Approval.Allowlist...)
	if name := strings.ToLower(strings.TrimSpace(cfg.Tools.Approval.Profile)); name != "" {
		if prof := policy.GetProfilePolicy(name); prof != nil {
			allowlist = append(allowlist, policy.ExpandGroups(prof.Allow)...)
		}
	}

	approvalPolicy := &agent.ApprovalPolicy{
		Allowlist:       allowlist,
		Denylist:        cfg.Tools.Approval.Denylist,
		SafeBins:        cfg.Tools.Approval.SafeBins,
		DefaultDecision: agent.ApprovalDecision(cfg.Tools.Approval.DefaultDecision),
		RequestTTL:      cfg.Tools.Approval.RequestTTL,
		AskFallback:     true,
	}
	return agent.NewApprovalChecker(approvalPolicy)
}

// startHousekeeping starts deps.keeper's cron sweep, if housekeeping is
// enabled, and returns a func that stops it within a short grace period.
// The returned stop func is always safe to defer, even when keeper is nil.
func startHousekeeping(deps *soulDeps) (func(), error) {
	if deps.keeper == nil {
		return func() {}, nil
	}
	spec := deps.cfg.Housekeeping.Cron
	if err := deps.keeper.Start(spec); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deps.keeper.Stop(ctx)
	}, nil
}

// runTurns drives either a single non-interactive command (-c) or an
// interactive read loop over stdin, depending on ui/command.
func runTurns(ctx context.Context, cmd *cobra.Command, deps *soulDeps, session *models.Session, command, ui string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	if ui != "print" && ui != "shell" {
		return userError("--ui must be \"print\" or \"shell\", got %q", ui)
	}

	if strings.TrimSpace(command) != "" {
		return runOneTurn(ctx, deps, session, command, ui, out)
	}

	if ui == "print" {
		return userError("interactive input requires --ui shell (or pass -c/--command for a one-shot turn)")
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if turnErr := runOneTurn(ctx, deps, session, line, ui, out); turnErr != nil {
				if errors.Is(turnErr, context.Canceled) {
					return &cliError{code: exitCancelled, err: turnErr}
				}
				fmt.Fprintf(out, "error: %v\n", turnErr)
			}
		}
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return &cliError{code: exitCancelled, err: ctx.Err()}
		default:
		}
	}
}

func runOneTurn(ctx context.Context, deps *soulDeps, session *models.Session, text, ui string, out io.Writer) error {
	runCtx := ctx
	var uiDone chan struct{}

	if ui == "shell" {
		w := wire.New()
		runCtx = agent.WithWire(runCtx, w.SoulSide())
		runCtx = denwarenji.With(runCtx, denwarenji.New())
		uiDone = make(chan struct{})
		go runShellUI(w.UISide(), os.Stdin, out, uiDone)
		defer func() {
			w.Close()
			<-uiDone
		}()
	}

	msg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   []models.ContentPart{models.TextPart(text)},
	}

	chunks, err := deps.runtime.Process(runCtx, session, msg)
	if err != nil {
		return err
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			var loopErr *agent.LoopError
			if errors.As(chunk.Error, &loopErr) && errors.Is(loopErr.Cause, context.Canceled) {
				return context.Canceled
			}
			return chunk.Error
		}
		if chunk.Text != "" && ui == "print" {
			fmt.Fprint(out, chunk.Text)
		}
	}
	if ui == "print" {
		fmt.Fprintln(out)
	}
	return nil
}

// runShellUI drains a Wire's UI side, rendering streamed text and status
// to out and handling ApprovalRequest round trips against in. It assumes
// no other goroutine reads from in concurrently: the caller's read loop
// only reads its next line after this turn's chunk channel has closed.
func runShellUI(side wire.UISide, in *os.File, out io.Writer, done chan<- struct{}) {
	defer close(done)
	reader := bufio.NewReader(in)
	ctx := context.Background()
	for {
		msg, err := side.Receive(ctx)
		if err != nil {
			return
		}
		switch msg.Kind {
		case wire.KindStreamedPart:
			if msg.StreamedPart != nil {
				fmt.Fprint(out, msg.StreamedPart.Part)
			}
		case wire.KindToolCallStarted:
			if msg.ToolCallStarted != nil {
				fmt.Fprintf(out, "\n[tool] %s(%s)\n", msg.ToolCallStarted.Name, msg.ToolCallStarted.ArgumentPreview)
			}
		case wire.KindToolCallCompleted:
			if msg.ToolCallCompleted != nil && msg.ToolCallCompleted.IsError {
				fmt.Fprintf(out, "[tool error] %s\n", msg.ToolCallCompleted.ResultSummary)
			}
		case wire.KindStepInterrupted:
			if msg.StepInterrupted != nil {
				fmt.Fprintf(out, "\n[interrupted] %s\n", msg.StepInterrupted.Reason)
			}
		case wire.KindApprovalRequest:
			if msg.ApprovalRequest == nil {
				continue
			}
			fmt.Fprintf(out, "\napproval required for %s (danger: %s) [y/N]: ", msg.ApprovalRequest.ToolName, msg.ApprovalRequest.DangerLevel)
			answer, _ := reader.ReadString('\n')
			decision := wire.DecisionDeny
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
				decision = wire.DecisionAllowOnce
			}
			side.SendControl(wire.Message{Kind: wire.KindApprovalResponse, ApprovalResponse: &wire.ApprovalResponse{
				ID:       msg.ApprovalRequest.ID,
				Decision: decision,
			}})
		}
	}
}
