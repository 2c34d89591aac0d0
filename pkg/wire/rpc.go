package wire

// RPC event types carried inside rpc_event frames. The wire surface is
// deliberately narrower than the agent's own event stream.
const (
	RPCAgentStart    = "agent_start"
	RPCAgentEnd      = "agent_end"
	RPCMessageStart  = "message_start"
	RPCMessageUpdate = "message_update"
	RPCTextDone      = "text_done"
	RPCMessageEnd    = "message_end"
	RPCToolStart     = "tool_execution_start"
	RPCToolEnd       = "tool_execution_end"
)

// Assistant message update types within message_update events.
const (
	UpdateTextStart     = "text_start"
	UpdateTextDelta     = "text_delta"
	UpdateTextEnd       = "text_end"
	UpdateThinkingStart = "thinking_start"
	UpdateThinkingDelta = "thinking_delta"
	UpdateThinkingEnd   = "thinking_end"
)

// RPCEvent wraps a forwarded agent event for the browser.
type RPCEvent struct {
	Type  string `json:"type"` // Always "rpc_event"
	Event any    `json:"event"`
}

// NewRPCEvent wraps an event payload in an rpc_event frame.
func NewRPCEvent(event any) RPCEvent {
	return RPCEvent{Type: TypeRPCEvent, Event: event}
}

// EventTag is a bare tagged event (agent_start, agent_end, text_done).
type EventTag struct {
	Type string `json:"type"`
}

// MessageRole carries only the role of a starting message.
type MessageRole struct {
	Role string `json:"role"`
}

// EventMessageStart signals a new agent message.
type EventMessageStart struct {
	Type    string      `json:"type"`
	Message MessageRole `json:"message"`
}

// AssistantMessageEvent is one streaming content update.
type AssistantMessageEvent struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	ContentIndex int    `json:"contentIndex"`
	Content      string `json:"content,omitempty"`
}

// EventMessageUpdate carries a streaming content update.
type EventMessageUpdate struct {
	Type                  string                `json:"type"`
	AssistantMessageEvent AssistantMessageEvent `json:"assistantMessageEvent"`
}

// MessageSummary is the trimmed view of a completed message.
type MessageSummary struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// EventMessageEnd closes an agent message with its trimmed summary.
type EventMessageEnd struct {
	Type    string         `json:"type"`
	Message MessageSummary `json:"message"`
}

// EventToolStart announces a tool invocation.
type EventToolStart struct {
	Type       string         `json:"type"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
}

// EventToolEnd reports a tool result (truncated upstream).
type EventToolEnd struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

// NewRPCAgentStart wraps an agent_start event.
func NewRPCAgentStart() RPCEvent {
	return NewRPCEvent(EventTag{Type: RPCAgentStart})
}

// NewRPCAgentEnd wraps an agent_end event.
func NewRPCAgentEnd() RPCEvent {
	return NewRPCEvent(EventTag{Type: RPCAgentEnd})
}

// NewRPCTextDone wraps a text_done event.
func NewRPCTextDone() RPCEvent {
	return NewRPCEvent(EventTag{Type: RPCTextDone})
}

// NewRPCMessageStart wraps a message_start event.
func NewRPCMessageStart(role string) RPCEvent {
	return NewRPCEvent(EventMessageStart{Type: RPCMessageStart, Message: MessageRole{Role: role}})
}

// NewRPCMessageUpdate wraps a message_update event.
func NewRPCMessageUpdate(updateType, delta string, contentIndex int, content string) RPCEvent {
	return NewRPCEvent(EventMessageUpdate{
		Type: RPCMessageUpdate,
		AssistantMessageEvent: AssistantMessageEvent{
			Type:         updateType,
			Delta:        delta,
			ContentIndex: contentIndex,
			Content:      content,
		},
	})
}

// NewRPCMessageEnd wraps a message_end event.
func NewRPCMessageEnd(role, text string, usage *Usage) RPCEvent {
	return NewRPCEvent(EventMessageEnd{Type: RPCMessageEnd, Message: MessageSummary{Role: role, Text: text, Usage: usage}})
}

// NewRPCToolStart wraps a tool_execution_start event.
func NewRPCToolStart(toolCallID, toolName string, args map[string]any) RPCEvent {
	return NewRPCEvent(EventToolStart{Type: RPCToolStart, ToolCallID: toolCallID, ToolName: toolName, Args: args})
}

// NewRPCToolEnd wraps a tool_execution_end event.
func NewRPCToolEnd(toolCallID, toolName, result string, isError bool) RPCEvent {
	return NewRPCEvent(EventToolEnd{Type: RPCToolEnd, ToolCallID: toolCallID, ToolName: toolName, Result: result, IsError: isError})
}
