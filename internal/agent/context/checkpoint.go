package context

import (
	"errors"
	"sync"

	"github.com/fenwick-ai/soul/pkg/models"
)

// ErrInvalidCheckpoint is returned by RevertTo when k does not index an
// existing checkpoint.
var ErrInvalidCheckpoint = errors.New("context: invalid checkpoint index")

// charsPerToken is the same cheap char-count proxy Packer budgets use;
// a real tokenizer is a Runtime-supplied concern the Soul never needs to
// know the internals of.
const charsPerToken = 4

// Conversation is the ordered message log a Soul mutates: append-only
// history plus an ordered sequence of checkpoint indices the loop can
// revert to. Only the Soul's own goroutine is expected to mutate it;
// Snapshot hands out a copy so concurrent readers never see a live slice.
type Conversation struct {
	mu           sync.RWMutex
	history      []*models.Message
	checkpoints  []int
	tokenCount   int
	systemPrompt string
}

// New creates an empty Conversation.
func New(systemPrompt string) *Conversation {
	return &Conversation{systemPrompt: systemPrompt}
}

// Append adds one or more messages to history and updates the running
// token estimate.
func (c *Conversation) Append(msgs ...*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		c.history = append(c.history, m)
		c.tokenCount += messageTokens(m)
	}
}

// Snapshot returns a frozen copy of history, safe to hand to an LLM
// request without risk of a concurrent Append mutating it underfoot.
func (c *Conversation) Snapshot() []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Checkpoint records the current history length as a new checkpoint and
// returns its index. Checkpoint indices are strictly increasing.
func (c *Conversation) Checkpoint() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, len(c.history))
	return len(c.checkpoints) - 1
}

// NCheckpoints returns the number of checkpoints currently recorded.
func (c *Conversation) NCheckpoints() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checkpoints)
}

// CheckpointTarget returns the history length checkpoint k was recorded
// at, without mutating anything. Callers that need to translate a
// checkpoint into an external position (e.g. a session log offset to
// tombstone) must read this before calling RevertTo, which drops the
// checkpoint slice entry for k.
func (c *Conversation) CheckpointTarget(k int) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k < 0 || k >= len(c.checkpoints) {
		return 0, ErrInvalidCheckpoint
	}
	return c.checkpoints[k], nil
}

// RevertTo truncates history back to the length recorded by checkpoint k
// and drops every checkpoint from k onward (k itself is dropped: after
// revert, history looks exactly as it did right before Checkpoint() was
// called to produce k). Returns ErrInvalidCheckpoint if k is out of range.
func (c *Conversation) RevertTo(k int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k < 0 || k >= len(c.checkpoints) {
		return ErrInvalidCheckpoint
	}

	target := c.checkpoints[k]
	dropped := c.history[target:]
	for _, m := range dropped {
		c.tokenCount -= messageTokens(m)
	}
	c.history = c.history[:target]
	c.checkpoints = c.checkpoints[:k]
	return nil
}

// Usage returns the running token estimate and the configured limit.
func (c *Conversation) Usage(limit int) (tokens, contextLimit int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenCount, limit
}

// NeedsCompaction reports whether token usage has crossed threshold
// (a fraction of limit, e.g. 0.8).
func (c *Conversation) NeedsCompaction(limit int, threshold float64) bool {
	if limit <= 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return float64(c.tokenCount)/float64(limit) >= threshold
}

// Replace swaps history wholesale (used by compaction: history becomes
// [system, summary, tail]) and drops every checkpoint, resetting
// NCheckpoints to 0.
func (c *Conversation) Replace(history []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = history
	c.checkpoints = nil
	c.tokenCount = 0
	for _, m := range history {
		c.tokenCount += messageTokens(m)
	}
}

// SystemPrompt returns the conversation's system prompt.
func (c *Conversation) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemPrompt
}

func messageTokens(m *models.Message) int {
	chars := len(m.Text())
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	chars += len(m.ToolCallID)
	if chars == 0 {
		return 1
	}
	return (chars + charsPerToken - 1) / charsPerToken
}
