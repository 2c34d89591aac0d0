package claudecli

import (
	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/pkg/wire"
)

// translateStream maps a partial-message stream event onto zero or
// more agent events.
func (r *Runtime) translateStream(ev *StreamEvent) []agent.Event {
	if ev == nil {
		return nil
	}

	switch ev.Type {
	case streamMessageStart:
		return []agent.Event{agent.NewMessageStart("assistant")}

	case streamBlockStart:
		if ev.Block == nil {
			return nil
		}
		r.mu.Lock()
		r.blockTypes[ev.Index] = ev.Block.Type
		r.mu.Unlock()
		switch ev.Block.Type {
		case "text":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateTextStart, "", ev.Index, "")}
		case "thinking":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateThinkingStart, "", ev.Index, "")}
		}
		return nil

	case streamBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateTextDelta, ev.Delta.Text, ev.Index, "")}
		case "thinking_delta":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateThinkingDelta, ev.Delta.Thinking, ev.Index, "")}
		}
		return nil

	case streamBlockStop:
		r.mu.Lock()
		blockType := r.blockTypes[ev.Index]
		delete(r.blockTypes, ev.Index)
		r.mu.Unlock()
		switch blockType {
		case "text":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateTextEnd, "", ev.Index, "")}
		case "thinking":
			return []agent.Event{agent.NewMessageUpdate(wire.UpdateThinkingEnd, "", ev.Index, "")}
		}
		return nil
	}
	return nil
}

// handleAssistant converts a complete assistant message: transcript
// entry, tool_start per tool_use block, then message_end with usage.
func (r *Runtime) handleAssistant(body *MessageBody) {
	if body == nil {
		return
	}

	msg := agent.Message{Role: "assistant"}
	var toolStarts []agent.Event

	for _, block := range body.Content {
		switch block.Type {
		case "text":
			msg.Content = append(msg.Content, agent.ContentBlock{Type: agent.BlockText, Text: block.Text})
		case "thinking":
			msg.Content = append(msg.Content, agent.ContentBlock{Type: agent.BlockThinking, Text: block.Thinking})
		case "tool_use":
			msg.Content = append(msg.Content, agent.ContentBlock{
				Type:       agent.BlockToolUse,
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      block.Input,
			})
			r.mu.Lock()
			r.toolNames[block.ID] = block.Name
			r.mu.Unlock()
			toolStarts = append(toolStarts, agent.NewToolStart(block.ID, block.Name, block.Input))
		}
	}

	r.mu.Lock()
	r.transcript = append(r.transcript, msg)
	r.mu.Unlock()

	for _, ev := range toolStarts {
		r.emit(ev)
	}

	var usage *wire.Usage
	if body.Usage != nil {
		usage = &wire.Usage{
			Input:      body.Usage.InputTokens,
			Output:     body.Usage.OutputTokens,
			CacheRead:  body.Usage.CacheReadInputTokens,
			CacheWrite: body.Usage.CacheCreationInputTokens,
		}
	}
	r.emit(agent.NewMessageEnd("assistant", msg.Content, usage))
}

// handleToolResults converts tool_result blocks from user-role
// messages into tool_end events.
func (r *Runtime) handleToolResults(body *MessageBody) {
	if body == nil {
		return
	}

	msg := agent.Message{Role: "user"}
	var toolEnds []agent.Event

	for _, block := range body.Content {
		if block.Type != "tool_result" {
			continue
		}
		result := block.toolResultText()
		msg.Content = append(msg.Content, agent.ContentBlock{
			Type:       agent.BlockToolResult,
			ToolCallID: block.ToolUseID,
			Text:       result,
		})

		r.mu.Lock()
		name := r.toolNames[block.ToolUseID]
		delete(r.toolNames, block.ToolUseID)
		r.mu.Unlock()

		toolEnds = append(toolEnds, agent.NewToolEnd(block.ToolUseID, name, result, block.IsError))
	}

	if len(msg.Content) > 0 {
		r.mu.Lock()
		r.transcript = append(r.transcript, msg)
		r.mu.Unlock()
	}
	for _, ev := range toolEnds {
		r.emit(ev)
	}
}
