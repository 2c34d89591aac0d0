package wire

// Init is the first frame sent to every connecting client.
type Init struct {
	Type           string     `json:"type"` // Always "init"
	AgentRunning   bool       `json:"agentRunning"`
	IsStreaming    bool       `json:"isStreaming"`
	HTMLPath       string     `json:"htmlPath,omitempty"`
	TargetPath     string     `json:"targetPath"`
	Prompt         string     `json:"prompt,omitempty"`
	Validating     string     `json:"validating"`
	LastActivityTs int64      `json:"lastActivityTs"`
	Model          string     `json:"model"`
	Provider       string     `json:"provider"`
	IsSubscription bool       `json:"isSubscription"`
	Depth          string     `json:"depth"`
	Usage          CostTotals `json:"usage"`
	ReadOnly       bool       `json:"readOnly"`
}

// DocReady announces a freshly rendered document.
type DocReady struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// NewDocReady builds a doc_ready frame.
func NewDocReady(path string) DocReady {
	return DocReady{Type: TypeDocReady, Path: path}
}

// DocValidated announces that every diagram in the document passed.
type DocValidated struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// NewDocValidated builds a doc_validated frame.
func NewDocValidated(path string) DocValidated {
	return DocValidated{Type: TypeDocValidated, Path: path}
}

// RenderError reports a markdown render failure; the document stays at
// its prior state.
type RenderError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewRenderError builds a render_error frame.
func NewRenderError(msg string) RenderError {
	return RenderError{Type: TypeRenderError, Error: msg}
}

// ValidationStart opens a validation pass over Total diagram blocks.
type ValidationStart struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
}

// NewValidationStart builds a validation_start frame.
func NewValidationStart(total int) ValidationStart {
	return ValidationStart{Type: TypeValidationStart, Total: total}
}

// ValidationBlock reports the outcome for a single diagram block.
type ValidationBlock struct {
	Type   string `json:"type"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

// NewValidationBlock builds a validation_block frame.
func NewValidationBlock(index, total int, status, errText string) ValidationBlock {
	return ValidationBlock{Type: TypeValidationBlock, Index: index, Total: total, Status: status, Error: errText}
}

// ValidationEnd closes a validation pass.
type ValidationEnd struct {
	Type       string `json:"type"`
	OK         bool   `json:"ok"`
	ErrorCount int    `json:"errorCount"`
	Total      int    `json:"total"`
}

// NewValidationEnd builds a validation_end frame.
func NewValidationEnd(ok bool, errorCount, total int) ValidationEnd {
	return ValidationEnd{Type: TypeValidationEnd, OK: ok, ErrorCount: errorCount, Total: total}
}

// ValidationFixRequest announces that a fix prompt was dispatched.
type ValidationFixRequest struct {
	Type        string `json:"type"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

// NewValidationFixRequest builds a validation_fix_request frame.
func NewValidationFixRequest(attempt, maxAttempts int) ValidationFixRequest {
	return ValidationFixRequest{Type: TypeValidationFixRequest, Attempt: attempt, MaxAttempts: maxAttempts}
}

// ValidationGaveUp reports that the fix loop exhausted its attempts.
type ValidationGaveUp struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
}

// NewValidationGaveUp builds a validation_gave_up frame.
func NewValidationGaveUp(attempt int) ValidationGaveUp {
	return ValidationGaveUp{Type: TypeValidationGaveUp, Attempt: attempt}
}

// AgentExit reports an agent crash. RestartIn is milliseconds until the
// scheduled restart; zero when WillRestart is false.
type AgentExit struct {
	Type        string `json:"type"`
	Error       string `json:"error"`
	CrashCount  int    `json:"crashCount"`
	WillRestart bool   `json:"willRestart"`
	RestartIn   int64  `json:"restartIn"`
}

// NewAgentExit builds an agent_exit frame.
func NewAgentExit(errText string, crashCount int, willRestart bool, restartInMs int64) AgentExit {
	return AgentExit{Type: TypeAgentExit, Error: errText, CrashCount: crashCount, WillRestart: willRestart, RestartIn: restartInMs}
}

// AgentRestarting announces a scheduled restart attempt.
type AgentRestarting struct {
	Type        string `json:"type"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	RestartIn   int64  `json:"restartIn"`
}

// NewAgentRestarting builds an agent_restarting frame.
func NewAgentRestarting(attempt, maxAttempts int, restartInMs int64) AgentRestarting {
	return AgentRestarting{Type: TypeAgentRestarting, Attempt: attempt, MaxAttempts: maxAttempts, RestartIn: restartInMs}
}

// AgentStopped is broadcast once on intentional stop.
type AgentStopped struct {
	Type string `json:"type"`
}

// NewAgentStopped builds an agent_stopped frame.
func NewAgentStopped() AgentStopped {
	return AgentStopped{Type: TypeAgentStopped}
}

// AgentHealth reports watchdog state changes.
type AgentHealth struct {
	Type      string  `json:"type"`
	Healthy   bool    `json:"healthy"`
	Failures  int     `json:"failures,omitempty"`
	SilentMin float64 `json:"silentMin,omitempty"`
	Restored  bool    `json:"restored,omitempty"`
}

// NewAgentUnhealthy builds an agent_health frame for a silent agent.
func NewAgentUnhealthy(failures int, silentMin float64) AgentHealth {
	return AgentHealth{Type: TypeAgentHealth, Healthy: false, Failures: failures, SilentMin: silentMin}
}

// NewAgentHealthRestored builds an agent_health frame for recovery.
func NewAgentHealthRestored() AgentHealth {
	return AgentHealth{Type: TypeAgentHealth, Healthy: true, Restored: true}
}

// Heartbeat is broadcast periodically while clients are connected.
type Heartbeat struct {
	Type                      string     `json:"type"`
	AgentRunning              bool       `json:"agentRunning"`
	IsStreaming               bool       `json:"isStreaming"`
	HTMLPath                  string     `json:"htmlPath,omitempty"`
	Validating                string     `json:"validating"`
	LastActivityTs            int64      `json:"lastActivityTs"`
	Healthy                   bool       `json:"healthy"`
	ConsecutiveHealthFailures int        `json:"consecutiveHealthFailures"`
	Ts                        int64      `json:"ts"`
	Usage                     CostTotals `json:"usage"`
	Model                     string     `json:"model"`
	Provider                  string     `json:"provider"`
	IsSubscription            bool       `json:"isSubscription"`
}

// CostUpdate carries the latest ledger entry plus session totals.
type CostUpdate struct {
	Type           string     `json:"type"`
	Latest         CostEntry  `json:"latest"`
	Session        CostTotals `json:"session"`
	Model          string     `json:"model"`
	Provider       string     `json:"provider"`
	IsSubscription bool       `json:"isSubscription"`
}

// StatusUpdate refreshes usage and model facts without a ledger entry.
type StatusUpdate struct {
	Type           string     `json:"type"`
	Usage          CostTotals `json:"usage"`
	Model          string     `json:"model"`
	Provider       string     `json:"provider"`
	IsSubscription bool       `json:"isSubscription"`
}

// ChatHistory pushes transcript entries to a client.
type ChatHistory struct {
	Type          string        `json:"type"`
	Messages      []ChatMessage `json:"messages"`
	IsFullHistory bool          `json:"isFullHistory"`
}

// NewChatHistory builds a chat_history frame.
func NewChatHistory(messages []ChatMessage, full bool) ChatHistory {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return ChatHistory{Type: TypeChatHistory, Messages: messages, IsFullHistory: full}
}

// ModelChanged confirms a model switch.
type ModelChanged struct {
	Type           string `json:"type"`
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	IsSubscription bool   `json:"isSubscription"`
}

// NewModelChanged builds a model_changed frame.
func NewModelChanged(model, provider string, isSubscription bool) ModelChanged {
	return ModelChanged{Type: TypeModelChanged, Model: model, Provider: provider, IsSubscription: isSubscription}
}

// ModelChangeError reports a rejected model switch.
type ModelChangeError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewModelChangeError builds a model_change_error frame.
func NewModelChangeError(msg string) ModelChangeError {
	return ModelChangeError{Type: TypeModelChangeError, Error: msg}
}
