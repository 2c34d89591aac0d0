package claudecli

import "encoding/json"

// Message types on the CLI's stdout stream.
const (
	messageTypeSystem          = "system"
	messageTypeAssistant       = "assistant"
	messageTypeUser            = "user"
	messageTypeResult          = "result"
	messageTypeStreamEvent     = "stream_event"
	messageTypeControlRequest  = "control_request"
	messageTypeControlResponse = "control_response"
)

// Control request subtypes we send.
const (
	subtypeInterrupt = "interrupt"
	subtypeSetModel  = "set_model"
)

// Partial-message stream event types.
const (
	streamMessageStart = "message_start"
	streamBlockStart   = "content_block_start"
	streamBlockDelta   = "content_block_delta"
	streamBlockStop    = "content_block_stop"
)

// CLIMessage is one NDJSON line from the agent CLI stdout. The type
// field determines which other fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// For control_request messages (permission prompts)
	RequestID string                  `json:"request_id,omitempty"`
	Request   *IncomingControlRequest `json:"request,omitempty"`

	// For assistant/user messages
	Message *MessageBody `json:"message,omitempty"`

	// For stream_event messages (partial content updates)
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// For control_response messages
	Response *ControlResponse `json:"response,omitempty"`
}

// MessageBody is the content of an assistant or user message.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is a block of assistant or user message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token usage information in the CLI's wire format.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent mirrors the partial-message events the CLI forwards while
// a message is being generated.
type StreamEvent struct {
	Type  string        `json:"type"`
	Index int           `json:"index,omitempty"`
	Block *BlockInfo    `json:"content_block,omitempty"`
	Delta *DeltaPayload `json:"delta,omitempty"`
}

// BlockInfo describes the block opened by a content_block_start event.
type BlockInfo struct {
	Type string `json:"type"`
}

// DeltaPayload is the incremental payload of a content_block_delta event.
type DeltaPayload struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// UserMessage is sent on stdin to prompt or steer the agent.
type UserMessage struct {
	Type    string          `json:"type"` // Always "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // Always "user"
	Content string `json:"content"`
}

// ControlRequest is a control message sent on stdin (interrupt,
// set_model).
type ControlRequest struct {
	Type      string             `json:"type"` // Always "control_request"
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the body of a control request.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
	Model   string `json:"model,omitempty"`
}

// ControlResponse acknowledges a control request.
type ControlResponse struct {
	Subtype   string `json:"subtype"` // "success" or "error"
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IncomingControlRequest is a control request from the CLI to us,
// typically a tool permission prompt.
type IncomingControlRequest struct {
	Subtype  string `json:"subtype"`
	ToolName string `json:"tool_name,omitempty"`
}

// ControlResponseMessage answers an incoming control request.
type ControlResponseMessage struct {
	Type      string               `json:"type"` // Always "control_response"
	RequestID string               `json:"request_id"`
	Response  *ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of an outgoing control response.
type ControlResponseBody struct {
	Subtype string            `json:"subtype"`
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult grants or denies a tool permission prompt.
type PermissionResult struct {
	Behavior string `json:"behavior"` // "allow" or "deny"
}

// resultText extracts the result field when the CLI reports it as a
// plain string (typically an error description).
func (m *CLIMessage) resultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// toolResultText flattens a tool_result content payload, which the CLI
// reports either as a string or as a list of text blocks.
func (b ContentBlock) toolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, blk := range blocks {
			out += blk.Text
		}
		return out
	}
	return string(b.Content)
}
