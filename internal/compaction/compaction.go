// Package compaction implements the Soul's context-shrinking step: when a
// Conversation crosses its token threshold, its history is replaced with
// a system message, a single summary, and a minimal tail, instead of
// letting the transcript grow without bound.
package compaction

import (
	"context"
	"fmt"

	cctx "github.com/fenwick-ai/soul/internal/agent/context"
	"github.com/fenwick-ai/soul/pkg/models"
)

// Summarizer condenses a run of history messages into a short summary
// string. A real implementation is itself an LLM call, using a dedicated
// system prompt; tests can supply a deterministic stand-in.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (string, error)
}

// SummarizerFunc adapts a plain function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, messages []*models.Message) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	return f(ctx, messages)
}

// Compact replaces conv's history with [summary] + tail, where tail is
// the minimum suffix that both starts at a user message and resolves
// every tool_call it contains (every tool_call.id has a matching
// tool-role message in the same suffix). conv's system prompt is stored
// separately (Conversation.SystemPrompt) and is never part of history,
// so it is untouched here.
//
// On failure the Conversation is left exactly as it was: callers should
// treat an error here as a hard stop for the turn (ContextOverflow),
// never a partial compaction.
func Compact(ctx context.Context, conv *cctx.Conversation, summarizer Summarizer) error {
	if conv == nil {
		return fmt.Errorf("compaction: nil conversation")
	}
	if summarizer == nil {
		return fmt.Errorf("compaction: no summarizer configured")
	}

	history := conv.Snapshot()
	if len(history) == 0 {
		return nil
	}

	tail := tailFrom(history)
	toSummarize := history[:len(history)-len(tail)]
	if len(toSummarize) == 0 {
		// Nothing precedes the tail; compaction would be a no-op.
		return nil
	}

	summaryText, err := summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		return fmt.Errorf("compaction: summarize: %w", err)
	}

	var coversUntil string
	if last := toSummarize[len(toSummarize)-1]; last != nil {
		coversUntil = last.ID
	}
	sessionID := ""
	if len(history) > 0 && history[0] != nil {
		sessionID = history[0].SessionID
	}
	summaryMsg := cctx.CreateSummaryMessage(sessionID, summaryText, coversUntil)

	newHistory := make([]*models.Message, 0, 1+len(tail))
	newHistory = append(newHistory, summaryMsg)
	newHistory = append(newHistory, tail...)

	conv.Replace(newHistory)
	return nil
}

// tailFrom finds the shortest suffix of history that begins at a user
// message and resolves every tool_call within it. Predictability favors
// "last user message onward" over "last assistant message onward": a
// reader replaying the tail always starts from a fresh user turn.
func tailFrom(history []*models.Message) []*models.Message {
	for start := len(history) - 1; start >= 0; start-- {
		m := history[start]
		if m == nil || m.Role != models.RoleUser {
			continue
		}
		candidate := history[start:]
		if resolvesAllToolCalls(candidate) {
			return candidate
		}
	}
	// No user-message boundary resolves every tool_call (e.g. the whole
	// transcript is one unresolved tool round); keep everything rather
	// than truncate mid-exchange.
	return history
}

// resolvesAllToolCalls reports whether every tool_call.id emitted within
// messages has a matching tool-role message later in the same slice.
func resolvesAllToolCalls(messages []*models.Message) bool {
	pending := make(map[string]struct{})
	for _, m := range messages {
		if m == nil {
			continue
		}
		for _, tc := range m.ToolCalls {
			pending[tc.ID] = struct{}{}
		}
		if m.Role == models.RoleTool {
			delete(pending, m.ToolCallID)
		}
	}
	return len(pending) == 0
}
