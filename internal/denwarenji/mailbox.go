// Package denwarenji implements the Soul's time-travel mailbox: a single
// slot that a tool invocation can use to ask the loop to revert to an
// earlier checkpoint and re-inject a message, without the model ever
// observing a successful tool result for the attempt.
package denwarenji

import (
	"context"
	"sync"
)

// DMail is a pending request to revert context to an earlier checkpoint
// and continue with a replacement message.
type DMail struct {
	// CheckpointID is the checkpoint index to revert to.
	CheckpointID int

	// Message replaces the reverted path as a synthetic user message.
	Message string
}

// Mailbox is a single-slot mailbox: at most one DMail is pending at a
// time. Send overwrites whatever was pending; FetchPending atomically
// returns and clears the slot. There is no queue — if the model sends
// two D-Mails within one step, the later one wins, since the earlier
// would be discarded by the impending revert anyway.
type Mailbox struct {
	mu      sync.Mutex
	pending *DMail
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// Send overwrites any pending D-Mail with dmail.
func (m *Mailbox) Send(dmail DMail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := dmail
	m.pending = &cp
}

// FetchPending atomically returns and clears the pending D-Mail, if any.
func (m *Mailbox) FetchPending() (DMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return DMail{}, false
	}
	dmail := *m.pending
	m.pending = nil
	return dmail, true
}

// HasPending reports whether a D-Mail is currently waiting, without
// consuming it. Useful for status snapshots.
func (m *Mailbox) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// mailboxKey is the context key used by With/FromContext.
type mailboxKey struct{}

// With stores a mailbox in ctx, scoped to one Soul.Run.
func With(ctx context.Context, m *Mailbox) context.Context {
	return context.WithValue(ctx, mailboxKey{}, m)
}

// FromContext retrieves the mailbox stored by With, or nil.
func FromContext(ctx context.Context) *Mailbox {
	m, _ := ctx.Value(mailboxKey{}).(*Mailbox)
	return m
}
