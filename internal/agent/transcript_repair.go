package agent

import "github.com/fenwick-ai/soul/pkg/models"

// repairTranscript drops tool-result messages whose ToolCallID does not
// match a tool call from the immediately preceding assistant turn. A
// transcript can end up with orphaned tool results after a truncated
// compaction or a store written to by two racing appends; replaying an
// orphan to the provider would violate its tool_use/tool_result pairing.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	repaired := make([]*models.Message, 0, len(history))

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			for k := range pending {
				delete(pending, k)
			}
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if msg.ToolCallID == "" {
				continue
			}
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}
