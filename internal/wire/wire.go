// Package wire implements the typed, bidirectional channel between the
// Soul and its UI: a single FIFO queue of WireMessage, consumed from two
// vantage points (SoulSide, UISide). Messages on one direction are
// delivered in the order they were enqueued; no ordering is promised
// across directions.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MessageKind tags the variant carried by a WireMessage. Exactly one of
// WireMessage's payload fields is populated for a given Kind.
type MessageKind string

const (
	KindStreamedPart      MessageKind = "streamed_part"
	KindToolCallStarted   MessageKind = "tool_call_started"
	KindToolCallProgress  MessageKind = "tool_call_progress"
	KindToolCallCompleted MessageKind = "tool_call_completed"
	KindStatusUpdate      MessageKind = "status_update"
	KindStepInterrupted   MessageKind = "step_interrupted"
	KindApprovalRequest   MessageKind = "approval_request"
	KindApprovalResponse  MessageKind = "approval_response"
	KindUserInput         MessageKind = "user_input"
)

// StreamedMessagePart carries one incrementally-streamed chunk of LLM
// output, tagged with the role that produced it (normally "assistant").
type StreamedMessagePart struct {
	Role string `json:"role"`
	Part string `json:"part"`
}

// ToolCallStarted announces that a tool call has begun executing.
type ToolCallStarted struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ArgumentPreview  string `json:"argument_preview,omitempty"`
}

// ToolCallProgress carries incremental output from a running tool call
// (e.g. streamed stdout). Multiple progress events may precede Completed.
type ToolCallProgress struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ToolCallCompleted announces that a tool call has finished, successfully
// or not; ResultSummary is a short, UI-facing description of the outcome.
type ToolCallCompleted struct {
	ID            string `json:"id"`
	ResultSummary string `json:"result_summary"`
	IsError       bool   `json:"is_error,omitempty"`
}

// Phase is the Soul's runtime-visible state, surfaced via StatusUpdate.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseGenerating  Phase = "generating"
	PhaseToolRunning Phase = "tool_running"
	PhaseCompacting  Phase = "compacting"
	PhaseReverting   Phase = "reverting"
)

// StatusSnapshot is a point-in-time view of the Soul's runtime state.
// Later snapshots supersede earlier ones; a UI may coalesce and render
// only the latest.
type StatusSnapshot struct {
	ContextTokens    int   `json:"context_tokens"`
	ContextLimit     int   `json:"context_limit"`
	Step             int   `json:"step"`
	Phase            Phase `json:"phase"`
	PendingToolCalls int   `json:"pending_tool_calls"`
}

// StatusUpdate wraps a StatusSnapshot for transit over the wire.
type StatusUpdate struct {
	Snapshot StatusSnapshot `json:"snapshot"`
}

// StepInterrupted announces that the current turn ended early, either
// from cancellation or a fatal, non-tool error.
type StepInterrupted struct {
	Reason string `json:"reason"`
}

// DangerLevel classifies how much scrutiny an approval request deserves.
type DangerLevel string

const (
	DangerLow    DangerLevel = "low"
	DangerMedium DangerLevel = "medium"
	DangerHigh   DangerLevel = "high"
)

// ApprovalRequest is sent Soul -> UI when a dangerous tool call needs
// user confirmation before it executes.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	DangerLevel DangerLevel     `json:"danger_level"`
}

// ApprovalDecisionKind is the decision a UI returns for an ApprovalRequest.
type ApprovalDecisionKind string

const (
	DecisionAllowOnce   ApprovalDecisionKind = "allow_once"
	DecisionAllowAlways ApprovalDecisionKind = "allow_always"
	DecisionDeny        ApprovalDecisionKind = "deny"
)

// ApprovalResponse is sent UI -> Soul, matched to its ApprovalRequest by ID.
type ApprovalResponse struct {
	ID       string               `json:"id"`
	Decision ApprovalDecisionKind `json:"decision"`
}

// UserInput is an out-of-band message injected by the UI, independent of
// the request/response flow of a running turn (e.g. a steering message).
type UserInput struct {
	Text string `json:"text"`
}

// Message is the tagged union carried over the Wire. Exactly one payload
// field is populated, matching Kind.
type Message struct {
	Kind MessageKind `json:"kind"`
	Time time.Time   `json:"time"`

	StreamedPart      *StreamedMessagePart  `json:"streamed_part,omitempty"`
	ToolCallStarted   *ToolCallStarted      `json:"tool_call_started,omitempty"`
	ToolCallProgress  *ToolCallProgress     `json:"tool_call_progress,omitempty"`
	ToolCallCompleted *ToolCallCompleted    `json:"tool_call_completed,omitempty"`
	StatusUpdate      *StatusUpdate         `json:"status_update,omitempty"`
	StepInterrupted   *StepInterrupted      `json:"step_interrupted,omitempty"`
	ApprovalRequest   *ApprovalRequest      `json:"approval_request,omitempty"`
	ApprovalResponse  *ApprovalResponse     `json:"approval_response,omitempty"`
	UserInput         *UserInput            `json:"user_input,omitempty"`
}

// ErrClosed is returned by Receive/ReceiveControl once the wire has been
// closed and drained.
var ErrClosed = errors.New("wire: closed")

// Wire is one FIFO queue of Message split into two directional channels:
// Soul -> UI and UI -> Soul. Both channels are unbounded-capacity from the
// sender's point of view (enqueue never blocks) so that a slow UI cannot
// stall the Soul's streaming callback, and a slow Soul cannot stall the UI
// injecting control messages.
type Wire struct {
	toUI   *unboundedQueue
	toSoul *unboundedQueue
}

// New creates a Wire ready for use by both SoulSide and UISide.
func New() *Wire {
	return &Wire{
		toUI:   newUnboundedQueue(),
		toSoul: newUnboundedQueue(),
	}
}

// SoulSide returns the endpoint used by the agent loop: it sends to the
// UI and receives control messages (UserInput, ApprovalResponse) from it.
func (w *Wire) SoulSide() SoulSide {
	return SoulSide{w: w}
}

// UISide returns the endpoint used by the UI: it receives everything the
// Soul emits and sends control messages back.
func (w *Wire) UISide() UISide {
	return UISide{w: w}
}

// Close drains both queues and causes any blocked or future Receive/
// ReceiveControl call to return ErrClosed.
func (w *Wire) Close() {
	w.toUI.close()
	w.toSoul.close()
}

// SoulSide is the agent loop's view of a Wire.
type SoulSide struct{ w *Wire }

// Send enqueues msg for the UI. Never blocks. A zero-value SoulSide (no
// wire configured) silently discards the message.
func (s SoulSide) Send(msg Message) {
	if s.w == nil {
		return
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	s.w.toUI.push(msg)
}

// ReceiveControl blocks until the UI sends a UserInput or
// ApprovalResponse, ctx is cancelled, or the wire is closed.
func (s SoulSide) ReceiveControl(ctx context.Context) (Message, error) {
	if s.w == nil {
		<-ctx.Done()
		return Message{}, ctx.Err()
	}
	return s.w.toSoul.pop(ctx)
}

// UISide is the UI's view of a Wire.
type UISide struct{ w *Wire }

// Receive blocks until the Soul sends a message, ctx is cancelled, or the
// wire is closed.
func (u UISide) Receive(ctx context.Context) (Message, error) {
	return u.w.toUI.pop(ctx)
}

// SendControl enqueues msg for the Soul (UserInput or ApprovalResponse).
// Never blocks.
func (u UISide) SendControl(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	u.w.toSoul.push(msg)
}
