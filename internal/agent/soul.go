package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	cctx "github.com/fenwick-ai/soul/internal/agent/context"
	"github.com/fenwick-ai/soul/internal/compaction"
	"github.com/fenwick-ai/soul/internal/denwarenji"
	"github.com/fenwick-ai/soul/internal/jobs"
	"github.com/fenwick-ai/soul/internal/sessions"
	"github.com/fenwick-ai/soul/internal/policy"
	"github.com/fenwick-ai/soul/internal/wire"
	"github.com/fenwick-ai/soul/pkg/models"
)

// processBufferSize is the channel buffer size for streamed response chunks.
const processBufferSize = 10

// maxConcurrentJobs caps goroutines spawned for async tool jobs.
const maxConcurrentJobs = 50

// defaultCompactionThreshold triggers compaction once a Conversation's
// estimated token usage crosses 80% of ContextTokenLimit.
const defaultCompactionThreshold = 0.8

// LoopConfig configures the agentic loop behavior including iteration limits,
// token budgets, and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations
	// Default: 10
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited)
	// Default: 0
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// EnableBackpressure enables backpressure handling for slow tools
	// Default: true
	EnableBackpressure bool

	// StreamToolResults streams tool results as they complete
	// Default: true
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks
	// Default: false
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// BranchStore provides branch-aware storage operations
	// If nil, standard session history is used
	BranchStore sessions.BranchStore

	// ContextTokenLimit is the token budget a Conversation is held to.
	// 0 disables compaction entirely regardless of Summarizer.
	ContextTokenLimit int

	// CompactionThreshold is the fraction of ContextTokenLimit (0-1) that
	// triggers compaction. Default: 0.8.
	CompactionThreshold float64

	// Summarizer produces the text compaction folds pre-tail history
	// into. Required for compaction to run; a configured ContextTokenLimit
	// with no Summarizer just never compacts.
	Summarizer compaction.Summarizer

	// TodoStore backs the SetTodoList built-in tool. If nil, a
	// MemoryTodoStore is created for it.
	TodoStore TodoStore
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:       10,
		MaxTokens:           4096,
		MaxToolCalls:        0,
		MaxWallTime:         0,
		ExecutorConfig:      DefaultExecutorConfig(),
		EnableBackpressure:  true,
		StreamToolResults:   true,
		CompactionThreshold: defaultCompactionThreshold,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = defaultCompactionThreshold
	}
	return &cfg
}

// Soul implements the step loop: a multi-turn, tool-using conversation
// loop bound to one session.
//
// The loop operates as a state machine:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                                                              │
//	│   ┌─────────┐     ┌──────────┐     ┌───────────────────┐   │
//	│   │  Init   │────▶│  Stream  │────▶│  Execute Tools    │   │
//	│   └─────────┘     └──────────┘     └───────────────────┘   │
//	│                          │                    │             │
//	│                          │                    │             │
//	│                          ▼                    │             │
//	│                   ┌──────────┐                │             │
//	│                   │ Complete │◀───────────────┘             │
//	│                   └──────────┘     (no tools or max iter)   │
//	│                                                              │
//	│                   ┌──────────┐                               │
//	│                   │ Continue │◀───────────────┐              │
//	│                   └──────────┘     (has tool results)       │
//	│                          │                                   │
//	│                          └───────────▶ Stream                │
//	│                                                              │
//	└──────────────────────────────────────────────────────────────┘
//
// A Conversation backs every run: it is the single source of truth for
// history, checkpoints, and token usage, and the per-call []CompletionMessage
// the provider sees is derived from it fresh every iteration rather than
// maintained as a second, independently-mutated log.
type Soul struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string

	jobSem chan struct{}
}

// NewSoul creates a new Soul with the given provider, tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewSoul(provider LLMProvider, registry *ToolRegistry, sessions sessions.Store, config *LoopConfig) *Soul {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	RegisterBuiltinTools(registry, config.TodoStore)

	executor := NewExecutor(registry, config.ExecutorConfig)
	if !config.EnableBackpressure {
		executor.sem = nil
	}

	return &Soul{
		provider: provider,
		executor: executor,
		sessions: sessions,
		config:   config,
		jobSem:   make(chan struct{}, maxConcurrentJobs),
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *Soul) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (l *Soul) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// ConfigureTool sets per-tool configuration overrides for timeout, retry, and priority.
func (l *Soul) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// LoopState tracks the current state of a Soul run including phase,
// iteration count, accumulated messages, and pending tool operations.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	TotalToolCalls  int
	Messages        []CompletionMessage
	PendingTools    []models.ToolCall
	ToolResults     []models.ToolResult
	AccumulatedText string
	LastError       error
	BranchID        string // Current branch for branch-aware loops
	AssistantMsgID  string

	// PersistedCount is the number of messages appended to the session
	// store so far this run, used to translate a conv checkpoint index
	// into an absolute log offset for Store.Tombstone.
	PersistedCount int
}

// Run executes the Soul's step loop and streams results through a channel.
// The channel is closed when the loop completes or an error occurs.
func (l *Soul) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.config == nil {
		return nil, errors.New("loop config is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil && (l.config == nil || l.config.BranchStore == nil) {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	side, hasWire := WireFromContext(runCtx)

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{
			Phase:     PhaseInit,
			Iteration: 0,
		}

		branchID, err := l.resolveBranch(runCtx, session, msg)
		if err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}
		state.BranchID = branchID

		systemPrompt := l.defaultSystem
		if system, ok := systemPromptFromContext(runCtx); ok {
			systemPrompt = system
		}
		conv := cctx.New(systemPrompt)

		// Initialize: Load history and build initial messages
		if err := l.initializeState(runCtx, session, msg, state, conv); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg, state); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		steeringQueue := SteeringQueueFromContext(runCtx)
		mailbox := denwarenji.FromContext(runCtx)

		// checkpointPersisted[k] records PersistedCount as it stood when
		// conv.Checkpoint() returned k, so a later D-Mail revert to k can
		// translate back into an absolute session-log offset to tombstone.
		var checkpointPersisted []int

		// Main loop
		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				l.emitStepInterrupted(side, hasWire, "context cancelled")
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     state.Phase,
					Iteration: state.Iteration,
					Cause:     runCtx.Err(),
				}}
				return
			default:
			}

			// checkpoint marks where this pass's messages begin, so a
			// D-Mail delivered during the step can roll the conversation
			// back to exactly this point. Recorded once per pass through
			// this loop body, including D-Mail-triggered re-entries.
			conv.Checkpoint()
			checkpointPersisted = append(checkpointPersisted, state.PersistedCount)

			if l.config.ContextTokenLimit > 0 && l.config.Summarizer != nil &&
				conv.NeedsCompaction(l.config.ContextTokenLimit, l.config.CompactionThreshold) {
				l.emitStatus(side, hasWire, conv, state, wire.PhaseCompacting)
				if err := compaction.Compact(runCtx, conv, l.config.Summarizer); err != nil {
					chunks <- &ResponseChunk{Error: &LoopError{
						Phase:     state.Phase,
						Iteration: state.Iteration,
						Cause:     fmt.Errorf("%w: %v", ErrContextOverflow, err),
					}}
					return
				}
				// Replace drops all checkpoints; this pass's own checkpoint
				// is gone too, so a D-Mail this iteration has nothing valid
				// to target until a fresh checkpoint is recorded next pass.
				checkpointPersisted = nil
				conv.Checkpoint()
				checkpointPersisted = append(checkpointPersisted, state.PersistedCount)
			}

			state.Messages = toCompletionMessages(conv.Snapshot())

			// Stream phase: Call LLM and collect response
			state.Phase = PhaseStream
			l.emitStatus(side, hasWire, conv, state, wire.PhaseGenerating)
			toolCalls, err := l.streamPhase(runCtx, state, chunks, side, hasWire)
			if err != nil {
				l.emitStepInterrupted(side, hasWire, err.Error())
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, conv, toolCalls)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}
			state.AssistantMsgID = assistantMsgID

			l.persistToolCalls(runCtx, session, assistantMsgID, toolCalls)

			// If no tool calls, we're done (unless follow-ups are queued)
			if len(toolCalls) == 0 {
				state.AccumulatedText = ""
				if steeringQueue != nil {
					if followUps := steeringQueue.GetFollowUpMessages(); len(followUps) > 0 {
						for _, followUp := range followUps {
							role := followUp.Role
							if role == "" {
								role = "user"
							}
							l.appendSynthetic(runCtx, session, state, conv, models.Role(role), followUp.Content)
						}
						state.Iteration++
						continue
					}
				}
				state.Phase = PhaseComplete
				l.emitStatus(side, hasWire, conv, state, wire.PhaseIdle)
				return
			}

			// Execute tools phase
			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls
			l.emitStatus(side, hasWire, conv, state, wire.PhaseToolRunning)

			toolResults, artifacts, err := l.executeToolsPhase(runCtx, session, state, chunks, side, hasWire)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			if err := l.persistToolMessages(runCtx, session, state, conv, toolCalls, toolResults, artifacts); err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			// Continue phase: refresh the per-call message view from conv
			state.Phase = PhaseContinue
			state.Messages = toCompletionMessages(conv.Snapshot())
			state.AccumulatedText = ""
			state.PendingTools = nil
			state.ToolResults = nil

			// D-Mail check: a message sent from a later point in the
			// conversation to this checkpoint reverts the conversation and
			// replaces it with the mailed message, without counting as a
			// completed step.
			if mailbox != nil {
				if dmail, ok := mailbox.FetchPending(); ok {
					if _, terr := conv.CheckpointTarget(dmail.CheckpointID); terr == nil {
						l.emitStatus(side, hasWire, conv, state, wire.PhaseReverting)
						_ = conv.RevertTo(dmail.CheckpointID)
						if dmail.CheckpointID < len(checkpointPersisted) {
							tombAt := checkpointPersisted[dmail.CheckpointID]
							if l.sessions != nil && l.config.BranchStore == nil {
								_ = l.sessions.Tombstone(runCtx, session.ID, tombAt)
							}
							state.PersistedCount = tombAt
							checkpointPersisted = checkpointPersisted[:dmail.CheckpointID]
						}
						l.appendSynthetic(runCtx, session, state, conv, models.RoleUser, dmail.Message)
						state.Messages = toCompletionMessages(conv.Snapshot())
						state.AccumulatedText = ""
						state.PendingTools = nil
						continue
					}
					// Out-of-range checkpoint id: silently dropped, no revert.
				}
			}

			if steeringQueue != nil {
				if steeringMsgs := steeringQueue.GetSteeringMessages(); len(steeringMsgs) > 0 {
					skipRemaining := false
					for _, steering := range steeringMsgs {
						role := steering.Role
						if role == "" {
							role = "user"
						}
						l.appendSynthetic(runCtx, session, state, conv, models.Role(role), steering.Content)
						if steering.SkipRemainingTools {
							skipRemaining = true
						}
					}
					if skipRemaining {
						state.Iteration++
						continue
					}
				}
			}

			state.Iteration++
		}

		// Max iterations reached
		chunks <- &ResponseChunk{Error: &LoopError{
			Phase:     state.Phase,
			Iteration: state.Iteration,
			Cause:     ErrMaxIterations,
			Message:   fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
		}}
	}()

	return chunks, nil
}

// emitStatus sends a StatusUpdate over the wire if one is attached to this run.
func (l *Soul) emitStatus(side wire.SoulSide, hasWire bool, conv *cctx.Conversation, state *LoopState, phase wire.Phase) {
	if !hasWire {
		return
	}
	tokens, limit := conv.Usage(l.config.ContextTokenLimit)
	side.Send(wire.Message{
		Kind: wire.KindStatusUpdate,
		StatusUpdate: &wire.StatusUpdate{Snapshot: wire.StatusSnapshot{
			ContextTokens:    tokens,
			ContextLimit:     limit,
			Step:             state.Iteration,
			Phase:            phase,
			PendingToolCalls: len(state.PendingTools),
		}},
	})
}

func (l *Soul) emitStepInterrupted(side wire.SoulSide, hasWire bool, reason string) {
	if !hasWire {
		return
	}
	side.Send(wire.Message{Kind: wire.KindStepInterrupted, StepInterrupted: &wire.StepInterrupted{Reason: reason}})
}

// appendSynthetic appends a synthetic message (follow-up, steering, or a
// D-Mail replacement) to both the Conversation and the session log, and
// keeps state.Messages/PersistedCount consistent with it.
func (l *Soul) appendSynthetic(ctx context.Context, session *models.Session, state *LoopState, conv *cctx.Conversation, role models.Role, text string) {
	m := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      role,
		Content:   []models.ContentPart{models.TextPart(text)},
		CreatedAt: time.Now(),
	}
	conv.Append(m)
	if err := l.appendMessage(ctx, session, state.BranchID, m); err == nil {
		state.PersistedCount++
	}
}

// resolveBranch determines which branch a run should append to, creating
// the session's primary branch on first contact when branch storage is
// configured.
func (l *Soul) resolveBranch(ctx context.Context, session *models.Session, msg *models.Message) (string, error) {
	if l.config.BranchStore == nil {
		return "", nil
	}
	branch, err := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
	if err != nil {
		return "", fmt.Errorf("failed to ensure primary branch: %w", err)
	}
	return branch.ID, nil
}

// initializeState loads conversation history into conv and mirrors it
// into state.Messages for the first provider call.
func (l *Soul) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState, conv *cctx.Conversation) error {
	var history []*models.Message
	var err error

	if l.config.BranchStore != nil {
		history, err = l.config.BranchStore.GetBranchHistory(ctx, state.BranchID, 50)
		if err != nil {
			return fmt.Errorf("failed to get branch history: %w", err)
		}
	} else {
		history, err = l.sessions.GetHistory(ctx, session.ID, 50)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
	}

	history = repairTranscript(history)
	conv.Append(history...)
	state.PersistedCount = len(history)

	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	conv.Append(msg)

	state.Messages = toCompletionMessages(conv.Snapshot())
	return nil
}

// toCompletionMessages converts a Conversation snapshot into the flat
// per-call shape LLMProvider.Complete expects. Tool results are one
// CompletionMessage per models.Message, matching how they are persisted,
// rather than batched the way a single step produces them.
func toCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if m.Role == models.RoleTool {
			out = append(out, CompletionMessage{
				Role: "tool",
				ToolResults: []models.ToolResult{{
					ToolCallID: m.ToolCallID,
					Content:    m.Text(),
					IsError:    m.IsError,
				}},
			})
			continue
		}
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Text(),
			ToolCalls:   m.ToolCalls,
			Attachments: contentPartsToAttachments(m.Content),
		})
	}
	return out
}

// streamPhase streams from the LLM and collects any tool calls.
func (l *Soul) streamPhase(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk, side wire.SoulSide, hasWire bool) ([]models.ToolCall, error) {
	tools := l.executor.registry.AsLLMTools()
	if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
		tools = filterToolsByPolicy(resolver, toolPolicy, tools)
	}

	// Build completion request
	req := &CompletionRequest{
		Model:     l.defaultModel,
		System:    l.defaultSystem,
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}

	// Apply context overrides
	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		budget := GetThinkingBudget(thinkingLevel)
		if budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}

	// Call LLM (resolve API key if needed)
	completionCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		resolvedKey, keyErr := resolver(ctx, l.provider.Name())
		if keyErr != nil {
			return nil, fmt.Errorf("API key resolution failed: %w", keyErr)
		}
		if resolvedKey != "" {
			completionCtx = WithResolvedAPIKey(ctx, resolvedKey)
		}
	}

	completion, err := l.provider.Complete(completionCtx, req)
	if err != nil {
		return nil, err
	}

	// Collect response
	var toolCalls []models.ToolCall
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
			if hasWire {
				side.Send(wire.Message{Kind: wire.KindStreamedPart, StreamedPart: &wire.StreamedMessagePart{Role: "assistant", Part: chunk.Text}})
			}
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	// Store accumulated text for message history
	state.AccumulatedText = textBuilder.String()

	return toolCalls, nil
}

// executeToolsPhase executes pending tool calls in parallel.
func (l *Soul) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk, side wire.SoulSide, hasWire bool) ([]models.ToolResult, [][]Artifact, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil, nil
	}

	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	approvalChecker := l.config.ApprovalChecker
	elevatedMode := ElevatedFromContext(ctx)

	results := make([]models.ToolResult, len(state.PendingTools))
	artifacts := make([][]Artifact, len(state.PendingTools))
	allowedCalls := make([]models.ToolCall, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]

		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventRequested,
			Input:      tc.Input,
		})
		if hasWire {
			preview := string(tc.Input)
			if len(preview) > 200 {
				preview = preview[:200]
			}
			side.Send(wire.Message{Kind: wire.KindToolCallStarted, ToolCallStarted: &wire.ToolCallStarted{ID: tc.ID, Name: tc.Name, ArgumentPreview: preview}})
		}

		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.Name) {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool not allowed: " + tc.Name,
				IsError:    true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Stage:        models.ToolEventDenied,
				Error:        res.Content,
				PolicyReason: "tool not allowed by policy",
				FinishedAt:   time.Now(),
			})
			l.emitToolCompleted(side, hasWire, tc.ID, res)
			continue
		}

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.ID, tc)
			if decision == ApprovalPending && elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver) {
				decision = ApprovalAllowed
				reason = "elevated full"
			}
			if decision == ApprovalPending && hasWire {
				// A wire is attached: block for a real UI round trip instead
				// of immediately failing the call back to the model.
				awaited, err := approvalChecker.AwaitApproval(ctx, side, session.ID, session.ID, tc, reason)
				decision = awaited
				if err != nil {
					reason = err.Error()
				} else {
					reason = "ui decision"
				}
			}
			switch decision {
			case ApprovalDenied:
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    "tool denied by approval policy: " + reason,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ID,
					ToolName:     tc.Name,
					Stage:        models.ToolEventDenied,
					Error:        res.Content,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.emitToolCompleted(side, hasWire, tc.ID, res)
				continue
			case ApprovalPending:
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.ID, session.ID, tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.Name
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    content,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ID,
					ToolName:     tc.Name,
					Stage:        models.ToolEventApprovalRequired,
					Error:        res.Content,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.emitToolCompleted(side, hasWire, tc.ID, res)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver) {
			if elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver) {
				// bypass
			} else {
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    "approval required for tool: " + tc.Name,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventApprovalRequired,
					Error:      res.Content,
					FinishedAt: time.Now(),
				})
				l.emitToolCompleted(side, hasWire, tc.ID, res)
				continue
			}
		}

		if l.isAsyncTool(tc.Name, resolver) && l.config.JobStore != nil {
			res := l.queueAsyncJob(tc)
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventSucceeded,
				Output:     res.Content,
				FinishedAt: time.Now(),
			})
			l.emitToolCompleted(side, hasWire, tc.ID, res)
			continue
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	for _, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventStarted,
			StartedAt:  time.Now(),
		})
	}

	execResults := l.executor.ExecuteAll(ctx, allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]
		if r == nil {
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool execution failed",
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].Content,
				FinishedAt: time.Now(),
			})
		} else if r.Error != nil {
			results[origIdx] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Error.Error(),
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].Content,
				FinishedAt: time.Now(),
			})
		} else if r.Result != nil {
			results[origIdx] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Result.Content,
				IsError:    r.Result.IsError,
			}
			artifacts[origIdx] = r.Result.Artifacts
			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      stage,
				Output:     r.Result.Content,
				FinishedAt: time.Now(),
			})
		}
		l.emitToolCompleted(side, hasWire, tc.ID, results[origIdx])
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(state.PendingTools) {
			results[i].ToolCallID = state.PendingTools[i].ID
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunk := &ResponseChunk{ToolResult: &results[i]}
			if len(artifacts[i]) > 0 {
				chunk.Artifacts = artifacts[i]
			}
			chunks <- chunk
		}
	}

	return results, artifacts, nil
}

func (l *Soul) emitToolCompleted(side wire.SoulSide, hasWire bool, id string, res models.ToolResult) {
	if !hasWire {
		return
	}
	summary := res.Content
	if len(summary) > 200 {
		summary = summary[:200]
	}
	side.Send(wire.Message{Kind: wire.KindToolCallCompleted, ToolCallCompleted: &wire.ToolCallCompleted{ID: id, ResultSummary: summary, IsError: res.IsError}})
}

func (l *Soul) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := l.appendMessage(ctx, session, state.BranchID, msg); err != nil {
		return err
	}
	state.PersistedCount++
	return nil
}

func (l *Soul) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, conv *cctx.Conversation, toolCalls []models.ToolCall) (string, error) {
	var content []models.ContentPart
	if state.AccumulatedText != "" {
		content = []models.ContentPart{models.TextPart(state.AccumulatedText)}
	}
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	conv.Append(assistantMsg)
	if err := l.appendMessage(ctx, session, state.BranchID, assistantMsg); err != nil {
		return "", err
	}
	state.PersistedCount++
	return assistantMsg.ID, nil
}

// persistToolMessages persists one tool-result message per call and
// appends each to conv in the same order, keeping the Conversation's
// history exactly the shape it will be replayed in on resume.
func (l *Soul) persistToolMessages(ctx context.Context, session *models.Session, state *LoopState, conv *cctx.Conversation, toolCalls []models.ToolCall, toolResults []models.ToolResult, artifacts [][]Artifact) error {
	if len(toolResults) == 0 {
		return nil
	}
	resolver, _, _ := toolPolicyFromContext(ctx)
	persistResults := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults, resolver)
	for i := range persistResults {
		r := persistResults[i]
		content := []models.ContentPart{models.TextPart(r.Content)}
		if i < len(artifacts) {
			content = append(content, artifactsToContentParts(artifacts[i])...)
		}
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			Role:       models.RoleTool,
			ToolCallID: r.ToolCallID,
			IsError:    r.IsError,
			Content:    content,
			CreatedAt:  time.Now(),
		}
		conv.Append(toolMsg)
		if err := l.appendMessage(ctx, session, state.BranchID, toolMsg); err != nil {
			return err
		}
		state.PersistedCount++
	}
	return nil
}

func (l *Soul) appendMessage(ctx context.Context, session *models.Session, branchID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	branch := strings.TrimSpace(branchID)
	if l.config != nil && l.config.BranchStore != nil {
		if branch == "" {
			primary, err := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
			if err != nil {
				return err
			}
			branch = primary.ID
		}
		return l.config.BranchStore.AppendMessageToBranch(ctx, session.ID, branch, msg)
	}
	if l.sessions == nil {
		return errors.New("no session store configured")
	}
	return l.sessions.AppendMessage(ctx, session.ID, msg)
}

func (l *Soul) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (l *Soul) persistToolCalls(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ToolCall) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &tc)
	}
}

func (l *Soul) isAsyncTool(name string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(l.config.AsyncTools, name, resolver)
}

func (l *Soul) queueAsyncJob(tc models.ToolCall) models.ToolResult {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if l.config.JobStore != nil {
		_ = l.config.JobStore.Create(context.Background(), job)
	}

	payload, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
	res := models.ToolResult{
		ToolCallID: tc.ID,
		IsError:    false,
	}
	if err != nil {
		res.Content = fmt.Sprintf("failed to encode job payload: %v", err)
		res.IsError = true
	} else {
		res.Content = string(payload)
	}

	if l.config.JobStore != nil {
		if l.jobSem == nil {
			go l.runToolJob(tc, job)
		} else {
			select {
			case l.jobSem <- struct{}{}:
				go func() {
					defer func() { <-l.jobSem }()
					l.runToolJob(tc, job)
				}()
			default:
				go l.runToolJob(tc, job)
			}
		}
	}

	return res
}

func (l *Soul) runToolJob(tc models.ToolCall, job *jobs.Job) {
	if job == nil || l.config.JobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)

	execResult := l.executor.Execute(ctx, tc)
	if execResult.Error != nil {
		job.Status = jobs.StatusFailed
		job.Error = execResult.Error.Error()
		job.FinishedAt = time.Now()
		_ = l.config.JobStore.Update(ctx, job)
		return
	}

	if execResult.Result != nil {
		res := models.ToolResult{
			ToolCallID: tc.ID,
			Content:    execResult.Result.Content,
			IsError:    execResult.Result.IsError,
		}
		if res.IsError {
			job.Status = jobs.StatusFailed
			job.Error = res.Content
		} else {
			job.Status = jobs.StatusSucceeded
			job.Result = &res
		}
	} else {
		job.Status = jobs.StatusFailed
		job.Error = "tool execution failed"
	}

	job.FinishedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)
}

// SoulRuntime wraps a Soul to provide a Runtime-compatible interface.
// This allows the loop to be used interchangeably with the standard Runtime.
type SoulRuntime struct {
	loop *Soul
}

// NewSoulRuntime creates a new Soul-backed runtime.
func NewSoulRuntime(provider LLMProvider, sessions sessions.Store, config *LoopConfig) *SoulRuntime {
	registry := NewToolRegistry()
	loop := NewSoul(provider, registry, sessions, config)

	return &SoulRuntime{
		loop: loop,
	}
}

// SetDefaultModel configures the fallback model used when not specified in requests.
func (r *SoulRuntime) SetDefaultModel(model string) {
	r.loop.SetDefaultModel(model)
}

// SetSystemPrompt configures the fallback system prompt used when not specified in requests.
func (r *SoulRuntime) SetSystemPrompt(system string) {
	r.loop.SetDefaultSystem(system)
}

// RegisterTool adds a tool to the runtime's tool registry.
func (r *SoulRuntime) RegisterTool(tool Tool) {
	r.loop.executor.registry.Register(tool)
}

// ConfigureTool sets per-tool configuration for timeout, retry, and priority.
func (r *SoulRuntime) ConfigureTool(name string, config *ToolConfig) {
	r.loop.ConfigureTool(name, config)
}

// Process handles an incoming message using the Soul loop and streams results.
func (r *SoulRuntime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *SoulRuntime) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return r.loop.executor.Metrics()
}
