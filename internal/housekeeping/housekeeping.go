// Package housekeeping runs periodic maintenance sweeps outside the hot
// step loop: pruning tombstoned sessions past their retention window and
// expired approval requests.
//
// Grounded on the teacher's internal/cron.Scheduler (options pattern,
// logger injection, Start/Stop/RunOnce shape) but driven directly by
// github.com/robfig/cron/v3's own Cron rather than the teacher's
// hand-rolled ticker loop: a single homogeneous sweep has no need for the
// teacher's heterogeneous webhook/message/agent/custom job types.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fenwick-ai/soul/internal/agent"
	"github.com/fenwick-ai/soul/internal/sessions"
)

// SweepResult reports what one maintenance pass did.
type SweepResult struct {
	SessionsPruned  int
	ApprovalsPruned int64
	Errors          []error
}

// Housekeeper owns the periodic sweep schedule.
type Housekeeper struct {
	cron      *cron.Cron
	store     sessions.Store
	approvals agent.ApprovalStore
	retention *sessions.RetentionChecker

	approvalTTL time.Duration
	logger      *slog.Logger
	entryID     cron.EntryID
}

// Option configures a Housekeeper.
type Option func(*Housekeeper)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Housekeeper) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithApprovalRetention overrides how long a resolved or expired approval
// request is kept before a sweep deletes it. Default: 7 days.
func WithApprovalRetention(d time.Duration) Option {
	return func(h *Housekeeper) {
		if d > 0 {
			h.approvalTTL = d
		}
	}
}

// WithNow overrides the session retention clock, for testing.
func WithNow(now func() time.Time) Option {
	return func(h *Housekeeper) {
		if now != nil {
			h.retention.SetNowFunc(now)
		}
	}
}

// New creates a Housekeeper. approvals may be nil, in which case approval
// pruning is skipped.
func New(store sessions.Store, approvals agent.ApprovalStore, retentionDays int, opts ...Option) *Housekeeper {
	h := &Housekeeper{
		cron:        cron.New(),
		store:       store,
		approvals:   approvals,
		retention:   sessions.NewRetentionChecker(retentionDays),
		approvalTTL: 7 * 24 * time.Hour,
		logger:      slog.Default().With("component", "housekeeping"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start schedules the sweep on spec, a standard 5-field cron expression,
// and begins running it in the background.
func (h *Housekeeper) Start(spec string) error {
	id, err := h.cron.AddFunc(spec, func() {
		h.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("housekeeping: invalid schedule %q: %w", spec, err)
	}
	h.entryID = id
	h.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish or ctx to expire.
func (h *Housekeeper) Stop(ctx context.Context) error {
	stopCtx := h.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single sweep immediately, outside the cron schedule.
func (h *Housekeeper) RunOnce(ctx context.Context) SweepResult {
	var result SweepResult

	if h.store != nil {
		if metas, err := h.store.List(ctx, sessions.ListOptions{}); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("list sessions: %w", err))
		} else {
			for _, meta := range h.retention.ExpiredSessions(metas) {
				if err := h.store.Delete(ctx, meta.ID); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("prune session %s: %w", meta.ID, err))
					continue
				}
				result.SessionsPruned++
			}
		}
	}

	if h.approvals != nil {
		n, err := h.approvals.Prune(ctx, h.approvalTTL)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("prune approvals: %w", err))
		} else {
			result.ApprovalsPruned = n
		}
	}

	for _, err := range result.Errors {
		h.logger.Warn("housekeeping sweep error", "error", err)
	}
	h.logger.Info("housekeeping sweep complete",
		"sessions_pruned", result.SessionsPruned,
		"approvals_pruned", result.ApprovalsPruned,
		"errors", len(result.Errors),
	)
	return result
}
