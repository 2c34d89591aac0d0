// Package wire defines the JSON messages exchanged with browser clients
// over the WebSocket, plus the snapshots served by the HTTP endpoints.
// Outbound messages are flat objects discriminated by a "type" field.
package wire

// Outbound message types (engine -> client).
const (
	TypeInit                 = "init"
	TypeRPCEvent             = "rpc_event"
	TypeDocReady             = "doc_ready"
	TypeDocValidated         = "doc_validated"
	TypeRenderError          = "render_error"
	TypeValidationStart      = "validation_start"
	TypeValidationBlock      = "validation_block"
	TypeValidationEnd        = "validation_end"
	TypeValidationFixRequest = "validation_fix_request"
	TypeValidationGaveUp     = "validation_gave_up"
	TypeAgentExit            = "agent_exit"
	TypeAgentRestarting      = "agent_restarting"
	TypeAgentStopped         = "agent_stopped"
	TypeAgentHealth          = "agent_health"
	TypeHeartbeat            = "heartbeat"
	TypeCostUpdate           = "cost_update"
	TypeStatusUpdate         = "status_update"
	TypeChatHistory          = "chat_history"
	TypeModelChanged         = "model_changed"
	TypeModelChangeError     = "model_change_error"
)

// Inbound message types (client -> engine).
const (
	InboundPrompt      = "prompt"
	InboundAbort       = "abort"
	InboundStop        = "stop"
	InboundChangeModel = "change_model"
	InboundLoadHistory = "load_history"
)

// Usage reports token consumption for one agent request.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// Add returns the element-wise sum of two usage reports.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
	}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// CostEntry is one cost ledger entry as shown to clients.
type CostEntry struct {
	Usage     Usage   `json:"usage"`
	Cost      float64 `json:"cost"`
	Model     string  `json:"model"`
	Timestamp int64   `json:"timestamp"`
}

// CostTotals aggregates the ledger since session start.
type CostTotals struct {
	Usage    Usage   `json:"usage"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// ChatMessage is one transcript entry pushed to clients.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// StateSnapshot is the full public engine state served by /state.
type StateSnapshot struct {
	Phase                     string     `json:"phase"`
	AgentReady                bool       `json:"agentReady"`
	AgentRunning              bool       `json:"agentRunning"`
	IsStreaming               bool       `json:"isStreaming"`
	IntentionalStop           bool       `json:"intentionalStop"`
	ReadyFired                bool       `json:"readyFired"`
	Validation                string     `json:"validation"`
	ValidationAttempt         int        `json:"validationAttempt"`
	CrashCount                int        `json:"crashCount"`
	ConsecutiveHealthFailures int        `json:"consecutiveHealthFailures"`
	LastActivityTs            int64      `json:"lastActivityTs"`
	SessionID                 string     `json:"sessionId"`
	TargetPath                string     `json:"targetPath"`
	Prompt                    string     `json:"prompt,omitempty"`
	Depth                     string     `json:"depth"`
	Model                     string     `json:"model"`
	Provider                  string     `json:"provider"`
	IsSubscription            bool       `json:"isSubscription"`
	HTMLPath                  string     `json:"htmlPath,omitempty"`
	Port                      int        `json:"port"`
	ClientCount               int        `json:"clientCount"`
	EventHistoryLength        int        `json:"eventHistoryLength"`
	Usage                     CostTotals `json:"usage"`
}

// Status is the minimal JSON snapshot served by /status.
type Status struct {
	AgentRunning bool   `json:"agentRunning"`
	IsStreaming  bool   `json:"isStreaming"`
	HTMLPath     string `json:"htmlPath,omitempty"`
	Clients      int    `json:"clients"`
	TargetPath   string `json:"targetPath"`
}

// ModelInfo is one registry entry served by /models.
type ModelInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	IsSubscription bool   `json:"isSubscription"`
	Active         bool   `json:"active"`
}
