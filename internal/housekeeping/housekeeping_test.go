package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/fenwick-ai/soul/internal/agent"
	"github.com/fenwick-ai/soul/internal/sessions"
	"github.com/fenwick-ai/soul/pkg/models"
)

func TestRunOnce_PrunesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()

	// MemoryStore.Create only stamps CreatedAt/UpdatedAt when they're
	// still zero, so a pre-set CreatedAt survives Create untouched.
	stale := &models.Session{Model: "test", CreatedAt: time.Now().AddDate(0, 0, -30)}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create stale session: %v", err)
	}

	fresh := &models.Session{Model: "test"}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh session: %v", err)
	}

	h := New(store, nil, 7)
	result := h.RunOnce(ctx)

	if result.SessionsPruned != 1 {
		t.Fatalf("expected 1 session pruned, got %d (errors: %v)", result.SessionsPruned, result.Errors)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
	if _, err := store.Get(ctx, stale.ID); err == nil {
		t.Fatal("stale session should have been pruned")
	}
}

func TestRunOnce_NoRetentionConfiguredSkipsPruning(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	stale := &models.Session{Model: "test", CreatedAt: time.Now().AddDate(-1, 0, 0)}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create session: %v", err)
	}

	h := New(store, nil, 0)
	result := h.RunOnce(ctx)

	if result.SessionsPruned != 0 {
		t.Fatalf("expected no pruning with retentionDays=0, got %d", result.SessionsPruned)
	}
}

func TestRunOnce_PrunesExpiredApprovals(t *testing.T) {
	ctx := context.Background()
	store := agent.NewMemoryApprovalStore()

	old := &agent.ApprovalRequest{
		ID:        "old",
		SessionID: "sess-1",
		ToolName:  "exec",
		Decision:  agent.ApprovalDenied,
		CreatedAt: time.Now().AddDate(0, 0, -30),
	}
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("create old approval: %v", err)
	}

	recent := &agent.ApprovalRequest{
		ID:        "recent",
		SessionID: "sess-1",
		ToolName:  "exec",
		Decision:  agent.ApprovalDenied,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, recent); err != nil {
		t.Fatalf("create recent approval: %v", err)
	}

	h := New(nil, store, 0, WithApprovalRetention(24*time.Hour))
	result := h.RunOnce(ctx)

	if result.ApprovalsPruned != 1 {
		t.Fatalf("expected 1 approval pruned, got %d (errors: %v)", result.ApprovalsPruned, result.Errors)
	}
	if got, _ := store.Get(ctx, "recent"); got == nil {
		t.Fatal("recent approval should survive")
	}
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatal("old approval should have been pruned")
	}
}

func TestStartAndStop(t *testing.T) {
	h := New(sessions.NewMemoryStore(), nil, 0)
	if err := h.Start("*/1 * * * *"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	h := New(sessions.NewMemoryStore(), nil, 0)
	if err := h.Start("not a cron expression"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
