package agent

import "github.com/repolens/repolens/pkg/wire"

// EventKind discriminates agent event variants.
type EventKind string

const (
	EventAgentStart      EventKind = "agent_start"
	EventAgentEnd        EventKind = "agent_end"
	EventMessageStart    EventKind = "message_start"
	EventMessageUpdate   EventKind = "message_update"
	EventMessageEnd      EventKind = "message_end"
	EventToolStart       EventKind = "tool_execution_start"
	EventToolEnd         EventKind = "tool_execution_end"
	EventToolUpdate      EventKind = "tool_execution_update"
	EventCompactionStart EventKind = "auto_compaction_start"
	EventCompactionEnd   EventKind = "auto_compaction_end"
	EventRetryStart      EventKind = "auto_retry_start"
	EventRetryEnd        EventKind = "auto_retry_end"
)

// MessageUpdate is a streaming content update within a message. Kind is
// one of the wire.Update* constants.
type MessageUpdate struct {
	Kind         string
	Delta        string
	ContentIndex int
	Content      string
}

// Event is the tagged union the runtime emits. Only the fields relevant
// to the Kind are set.
type Event struct {
	Kind EventKind

	// message_start, message_end
	Role string

	// message_update
	Update *MessageUpdate

	// message_end
	Content []ContentBlock
	Usage   *wire.Usage

	// CostUSD is the runtime-reported cost for this request when known.
	CostUSD float64

	// tool events
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	Result     string
	IsError    bool
}

// NewAgentStart builds an agent_start event.
func NewAgentStart() Event {
	return Event{Kind: EventAgentStart}
}

// NewAgentEnd builds an agent_end event.
func NewAgentEnd() Event {
	return Event{Kind: EventAgentEnd}
}

// NewMessageStart builds a message_start event.
func NewMessageStart(role string) Event {
	return Event{Kind: EventMessageStart, Role: role}
}

// NewMessageUpdate builds a message_update event.
func NewMessageUpdate(kind, delta string, contentIndex int, content string) Event {
	return Event{Kind: EventMessageUpdate, Update: &MessageUpdate{
		Kind:         kind,
		Delta:        delta,
		ContentIndex: contentIndex,
		Content:      content,
	}}
}

// NewMessageEnd builds a message_end event.
func NewMessageEnd(role string, content []ContentBlock, usage *wire.Usage) Event {
	return Event{Kind: EventMessageEnd, Role: role, Content: content, Usage: usage}
}

// NewToolStart builds a tool_execution_start event.
func NewToolStart(id, name string, args map[string]any) Event {
	return Event{Kind: EventToolStart, ToolCallID: id, ToolName: name, ToolArgs: args}
}

// NewToolEnd builds a tool_execution_end event.
func NewToolEnd(id, name, result string, isError bool) Event {
	return Event{Kind: EventToolEnd, ToolCallID: id, ToolName: name, Result: result, IsError: isError}
}

// AsMessage converts a message_end event to a transcript message.
func (e Event) AsMessage() Message {
	return Message{Role: e.Role, Content: e.Content}
}
