package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/fenwick-ai/soul/internal/denwarenji"
)

// reflectToolSchema generates a tool's JSON Schema from a Go struct using
// struct tags, the same way internal/config.JSONSchema reflects Config.
// Computed once per type and cached, since a Reflector pass is not free
// and a tool's parameter shape never changes at runtime.
func reflectToolSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		FieldNameTag:   "json",
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// SendDMailParams is the argument shape for SendDMailTool.
type SendDMailParams struct {
	CheckpointID int    `json:"checkpoint_id" jsonschema:"description=Checkpoint index to revert the conversation to"`
	Message      string `json:"message" jsonschema:"description=Synthetic user message to continue from after the revert"`
}

var sendDMailSchema = sync.OnceValue(func() json.RawMessage { return reflectToolSchema(&SendDMailParams{}) })

// SendDMailTool is the core contract's time-travel tool: its invocation
// side effect is Mailbox.Send, and it always returns an error result so
// the model never observes a successful call — only Soul.Run reacts to
// the pending D-Mail, at the end of the step, never the model itself.
type SendDMailTool struct{}

// NewSendDMailTool creates the SendDMail built-in tool.
func NewSendDMailTool() *SendDMailTool { return &SendDMailTool{} }

func (t *SendDMailTool) Name() string { return "send_dmail" }

func (t *SendDMailTool) Description() string {
	return "Reverts the conversation to an earlier checkpoint and replaces the reverted path with a new message. Use this to retry a step that went down a wrong path instead of continuing from it."
}

func (t *SendDMailTool) Schema() json.RawMessage { return sendDMailSchema() }

func (t *SendDMailTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args SendDMailParams
	if err := json.Unmarshal(params, &args); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid send_dmail arguments: %v", err), IsError: true}, nil
	}
	if args.CheckpointID < 0 {
		return &ToolResult{Content: "checkpoint_id must be non-negative", IsError: true}, nil
	}

	mailbox := denwarenji.FromContext(ctx)
	if mailbox == nil {
		return &ToolResult{Content: "send_dmail: no mailbox attached to this run", IsError: true}, nil
	}
	mailbox.Send(denwarenji.DMail{CheckpointID: args.CheckpointID, Message: args.Message})

	// Deliberately an error result: the model must never see this call
	// "succeed", since by the time it would read the result the loop has
	// already reverted the very history this message lives in.
	return &ToolResult{
		Content: "dmail queued; conversation will revert before this result is observed",
		IsError: true,
	}, nil
}

// TodoStatus is the state of one TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in a session's todo list.
type TodoItem struct {
	Content string     `json:"content" jsonschema:"description=Short description of the task"`
	Status  TodoStatus `json:"status" jsonschema:"description=pending, in_progress, or completed,enum=pending,enum=in_progress,enum=completed"`
}

// SetTodoListParams is the argument shape for SetTodoListTool.
type SetTodoListParams struct {
	Items []TodoItem `json:"items" jsonschema:"description=The full, ordered todo list, replacing any previous list"`
}

var setTodoListSchema = sync.OnceValue(func() json.RawMessage { return reflectToolSchema(&SetTodoListParams{}) })

// TodoStore persists a session's current todo list. SetTodoListTool writes
// through it; callers (a CLI status line, a UI panel) read through it.
type TodoStore interface {
	SetTodoList(ctx context.Context, sessionID string, items []TodoItem) error
}

// MemoryTodoStore is a thread-safe in-memory TodoStore, the default when
// no persistent store is configured.
type MemoryTodoStore struct {
	mu    sync.RWMutex
	lists map[string][]TodoItem
}

// NewMemoryTodoStore creates an empty in-memory todo store.
func NewMemoryTodoStore() *MemoryTodoStore {
	return &MemoryTodoStore{lists: make(map[string][]TodoItem)}
}

func (s *MemoryTodoStore) SetTodoList(ctx context.Context, sessionID string, items []TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[sessionID] = items
	return nil
}

// TodoList returns the current list for sessionID, or nil if none was set.
func (s *MemoryTodoStore) TodoList(sessionID string) []TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[sessionID]
}

// SetTodoListTool is a pure tool: no approval gate, no side effect beyond
// recording the model's own plan so the loop (and anything watching the
// wire) can surface it.
type SetTodoListTool struct {
	store TodoStore
}

// NewSetTodoListTool creates the SetTodoList built-in tool backed by
// store. If store is nil, a MemoryTodoStore is created for it.
func NewSetTodoListTool(store TodoStore) *SetTodoListTool {
	if store == nil {
		store = NewMemoryTodoStore()
	}
	return &SetTodoListTool{store: store}
}

func (t *SetTodoListTool) Name() string { return "set_todo_list" }

func (t *SetTodoListTool) Description() string {
	return "Records the current ordered list of tasks the agent intends to complete this turn, replacing any previous list. Does not require approval."
}

func (t *SetTodoListTool) Schema() json.RawMessage { return setTodoListSchema() }

func (t *SetTodoListTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args SetTodoListParams
	if err := json.Unmarshal(params, &args); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid set_todo_list arguments: %v", err), IsError: true}, nil
	}

	sessionID := ""
	if session := SessionFromContext(ctx); session != nil {
		sessionID = session.ID
	}
	if err := t.store.SetTodoList(ctx, sessionID, args.Items); err != nil {
		return &ToolResult{Content: fmt.Sprintf("failed to record todo list: %v", err), IsError: true}, nil
	}

	return &ToolResult{Content: fmt.Sprintf("recorded %d todo item(s)", len(args.Items))}, nil
}

// RegisterBuiltinTools registers the core contract's SendDMail and
// SetTodoList tools onto registry.
func RegisterBuiltinTools(registry *ToolRegistry, todos TodoStore) {
	if registry == nil {
		return
	}
	registry.Register(NewSendDMailTool())
	registry.Register(NewSetTodoListTool(todos))
}
