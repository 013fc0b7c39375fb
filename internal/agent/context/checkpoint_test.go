package context

import (
	"testing"

	"github.com/fenwick-ai/soul/pkg/models"
)

func TestConversation_AppendAndSnapshot(t *testing.T) {
	c := New("you are a soul")
	c.Append(newMessage(models.RoleUser, "hi"), newMessage(models.RoleAssistant, "hello"))

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 messages in snapshot, got %d", len(snap))
	}

	// Mutating the snapshot slice must not affect the conversation's own history.
	snap[0] = nil
	if c.Snapshot()[0] == nil {
		t.Fatal("snapshot mutation leaked into conversation history")
	}
}

func TestConversation_CheckpointRevert(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "step one"))
	k0 := c.Checkpoint()

	c.Append(newMessage(models.RoleAssistant, "reply one"))
	c.Append(newMessage(models.RoleUser, "step two"))
	if c.NCheckpoints() != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", c.NCheckpoints())
	}

	if err := c.RevertTo(k0); err != nil {
		t.Fatalf("RevertTo failed: %v", err)
	}

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected history truncated to 1 message after revert, got %d", len(snap))
	}
	if c.NCheckpoints() != 0 {
		t.Fatalf("expected checkpoint k0 itself to be dropped, got %d remaining", c.NCheckpoints())
	}
}

func TestConversation_CheckpointTarget(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "a"))
	k0 := c.Checkpoint()
	c.Append(newMessage(models.RoleAssistant, "b"))
	c.Append(newMessage(models.RoleUser, "c"))
	k1 := c.Checkpoint()

	target0, err := c.CheckpointTarget(k0)
	if err != nil {
		t.Fatalf("CheckpointTarget(k0) failed: %v", err)
	}
	if target0 != 1 {
		t.Fatalf("expected k0 to target history length 1, got %d", target0)
	}

	target1, err := c.CheckpointTarget(k1)
	if err != nil {
		t.Fatalf("CheckpointTarget(k1) failed: %v", err)
	}
	if target1 != 3 {
		t.Fatalf("expected k1 to target history length 3, got %d", target1)
	}

	// CheckpointTarget must not mutate anything: both checkpoints and the
	// full history survive a read, unlike RevertTo.
	if c.NCheckpoints() != 2 {
		t.Fatalf("CheckpointTarget should not consume checkpoints, got %d remaining", c.NCheckpoints())
	}
	if len(c.Snapshot()) != 3 {
		t.Fatalf("CheckpointTarget should not truncate history, got %d messages", len(c.Snapshot()))
	}

	if _, err := c.CheckpointTarget(5); err == nil {
		t.Fatal("expected error for an out-of-range checkpoint index")
	}
	if _, err := c.CheckpointTarget(-1); err == nil {
		t.Fatal("expected error for a negative checkpoint index")
	}
}

func TestConversation_RevertToInvalidIndex(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "hi"))

	if err := c.RevertTo(0); err == nil {
		t.Fatal("expected error reverting to a checkpoint that was never taken")
	}
	if err := c.RevertTo(-1); err == nil {
		t.Fatal("expected error reverting to a negative index")
	}
}

func TestConversation_MultipleCheckpointsRevertMiddle(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "a"))
	k0 := c.Checkpoint()
	c.Append(newMessage(models.RoleAssistant, "b"))
	c.Checkpoint()
	c.Append(newMessage(models.RoleUser, "c"))
	c.Checkpoint()
	c.Append(newMessage(models.RoleAssistant, "d"))

	if err := c.RevertTo(k0); err != nil {
		t.Fatalf("RevertTo failed: %v", err)
	}
	if c.NCheckpoints() != 0 {
		t.Fatalf("reverting to the earliest checkpoint should drop every later one, got %d", c.NCheckpoints())
	}
	if len(c.Snapshot()) != 1 {
		t.Fatalf("expected history truncated back to 1 message, got %d", len(c.Snapshot()))
	}
}

func TestConversation_UsageAndCompaction(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "a short message"))

	tokens, limit := c.Usage(1000)
	if limit != 1000 {
		t.Fatalf("expected limit echoed back, got %d", limit)
	}
	if tokens <= 0 {
		t.Fatalf("expected positive token estimate, got %d", tokens)
	}

	if c.NeedsCompaction(1000, 0.8) {
		t.Fatal("a single short message should not require compaction at 80%% threshold")
	}

	c.Append(newMessage(models.RoleUser, string(make([]byte, 900))))
	if !c.NeedsCompaction(1000, 0.1) {
		t.Fatal("expected compaction to be needed once usage passes a low threshold")
	}
}

func TestConversation_Replace(t *testing.T) {
	c := New("")
	c.Append(newMessage(models.RoleUser, "a"))
	c.Checkpoint()
	c.Append(newMessage(models.RoleAssistant, "b"))

	summary := newMessage(models.RoleSystem, "summary of a and b")
	c.Replace([]*models.Message{summary})

	if c.NCheckpoints() != 0 {
		t.Fatalf("Replace should drop all checkpoints, got %d", c.NCheckpoints())
	}
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0] != summary {
		t.Fatal("expected history replaced wholesale with the compacted tail")
	}
}
