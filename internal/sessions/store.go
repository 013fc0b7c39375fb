package sessions

import (
	"context"

	"github.com/fenwick-ai/soul/pkg/models"
)

// Store is the interface for session persistence, grounding spec.md's
// Session operations: new, list, resume, append, set_title.
type Store interface {
	// Create allocates a new session, writing its header.
	Create(ctx context.Context, session *models.Session) error
	// Get loads a session's header by id (without its message history).
	Get(ctx context.Context, id string) (*models.Session, error)
	// Update persists header changes (e.g. a derived title).
	Update(ctx context.Context, session *models.Session) error
	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// List enumerates session metadata, sorted newest-first.
	List(ctx context.Context, opts ListOptions) ([]*models.SessionMeta, error)

	// AppendMessage durably appends msg to the session's message log.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	// GetHistory replays the session's message log, applying the most
	// recent tombstone (if any) so reverted messages are not returned.
	// limit <= 0 means unbounded.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Tombstone soft-deletes every message at or after fromIndex (0-based,
	// in append order), grounding a Soul's D-Mail revert: the log stays
	// append-only, but GetHistory stops returning entries from fromIndex
	// onward until a later Tombstone call moves the marker forward again.
	// Appends after a tombstone are valid and are returned normally.
	Tombstone(ctx context.Context, sessionID string, fromIndex int) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
