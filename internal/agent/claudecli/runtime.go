// Package claudecli runs the coding agent as a CLI subprocess speaking
// the stream-json protocol: NDJSON user/control messages on stdin,
// NDJSON events on stdout.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/common/logger"
)

const (
	// Allow for large JSON lines (up to 10MB).
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 10 * 1024 * 1024

	controlTimeout   = 10 * time.Second
	closeGracePeriod = 3 * time.Second
	stderrTailLines  = 20
)

// Runtime implements agent.Runtime over an agent CLI subprocess.
type Runtime struct {
	cfg    agent.Config
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	doneCh chan struct{} // closed once the process has exited

	readers errgroup.Group

	// writeMu serializes stdin writes (one NDJSON line at a time).
	writeMu sync.Mutex

	// emitMu serializes event delivery so sinks observe stream order.
	emitMu sync.Mutex

	mu             sync.Mutex
	subscribers    map[int]func(agent.Event)
	nextSub        int
	transcript     []agent.Message
	pendingControl map[string]chan *ControlResponse
	blockTypes     map[int]string    // stream content index -> block type
	toolNames      map[string]string // tool call id -> tool name
	turnDone       chan error        // non-nil while a turn is in flight
	turnActive     bool
	sessionID      string
	stderrTail     []string
	closed         bool
}

// New is the agent.Factory for the CLI runtime: it spawns the agent
// process and starts the stream readers.
func New(_ context.Context, cfg agent.Config) (agent.Runtime, error) {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	r := &Runtime{
		cfg:            cfg,
		logger:         log.WithComponent("claudecli"),
		doneCh:         make(chan struct{}),
		subscribers:    make(map[int]func(agent.Event)),
		pendingControl: make(map[string]chan *ControlResponse),
		blockTypes:     make(map[int]string),
		toolNames:      make(map[string]string),
	}
	if err := r.start(); err != nil {
		return nil, err
	}
	return r, nil
}

// buildArgs assembles the agent CLI argument list.
func buildArgs(cfg agent.Config) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--permission-mode", "acceptEdits",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SessionFile != "" {
		args = append(args, "--resume", cfg.SessionFile)
	}
	return append(args, cfg.Args...)
}

func (r *Runtime) start() error {
	args := buildArgs(r.cfg)

	r.logger.Info("starting agent process",
		zap.String("command", r.cfg.Command),
		zap.Strings("args", args),
		zap.String("workdir", r.cfg.Cwd))

	// No CommandContext: the process must outlive the start call's
	// context and is torn down explicitly via Close.
	cmd := exec.Command(r.cfg.Command, args...)
	cmd.Dir = r.cfg.Cwd
	cmd.Env = os.Environ()
	if r.cfg.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+r.cfg.APIKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin

	r.readers.Go(func() error {
		r.readLoop(stdout)
		return nil
	})
	r.readers.Go(func() error {
		r.readStderr(stderr)
		return nil
	})
	go r.waitExit()

	r.logger.Info("agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// readLoop consumes stdout NDJSON lines until EOF.
func (r *Runtime) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scanInitialBuf)
	scanner.Buffer(buf, scanMaxBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		r.logger.Debug("stdout reader ended", zap.Error(err))
	}
}

// readStderr keeps a short tail of stderr for error context.
func (r *Runtime) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.mu.Lock()
		r.stderrTail = append(r.stderrTail, line)
		if len(r.stderrTail) > stderrTailLines {
			r.stderrTail = r.stderrTail[1:]
		}
		r.mu.Unlock()
		r.logger.Debug("agent stderr", zap.String("line", line))
	}
}

// waitExit reaps the process and fails any in-flight turn.
func (r *Runtime) waitExit() {
	_ = r.readers.Wait()
	err := r.cmd.Wait()

	r.mu.Lock()
	tail := strings.Join(r.stderrTail, "\n")
	closed := r.closed
	r.mu.Unlock()
	close(r.doneCh)

	if closed {
		return
	}

	var turnErr error
	if err != nil {
		turnErr = fmt.Errorf("agent process exited: %w: %s", err, tail)
	} else {
		turnErr = fmt.Errorf("agent process exited unexpectedly: %s", tail)
	}
	r.logger.Warn("agent process exited", zap.Error(err))
	r.deliverTurn(turnErr)
}

// Prompt sends a user message. With steer=false it opens a turn and
// blocks until the result arrives or the process dies.
func (r *Runtime) Prompt(ctx context.Context, text string, steer bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return agent.ErrClosed
	}
	userMsg := agent.Message{Role: "user", Content: []agent.ContentBlock{{Type: agent.BlockText, Text: text}}}

	if steer {
		r.transcript = append(r.transcript, userMsg)
		r.mu.Unlock()
		return r.sendUserMessage(text)
	}

	if r.turnDone != nil {
		r.mu.Unlock()
		return fmt.Errorf("turn already in progress")
	}
	done := make(chan error, 1)
	r.turnDone = done
	r.transcript = append(r.transcript, userMsg)
	r.mu.Unlock()

	if err := r.sendUserMessage(text); err != nil {
		r.clearTurn(done)
		return err
	}

	select {
	case <-ctx.Done():
		r.clearTurn(done)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// clearTurn detaches a turn channel without delivering a result.
func (r *Runtime) clearTurn(done chan error) {
	r.mu.Lock()
	if r.turnDone == done {
		r.turnDone = nil
		r.turnActive = false
	}
	r.mu.Unlock()
}

// deliverTurn completes the in-flight turn, if any.
func (r *Runtime) deliverTurn(err error) {
	r.mu.Lock()
	ch := r.turnDone
	r.turnDone = nil
	r.turnActive = false
	r.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// Abort asks the agent to interrupt the current turn. Fire and forget;
// the turn still completes through its result message.
func (r *Runtime) Abort(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return agent.ErrClosed
	}
	r.mu.Unlock()

	req := ControlRequest{
		Type:      messageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: subtypeInterrupt},
	}
	return r.writeJSON(req)
}

// SetModel switches the model for subsequent turns and waits for the
// CLI acknowledgement.
func (r *Runtime) SetModel(ctx context.Context, modelID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return agent.ErrClosed
	}
	r.mu.Unlock()

	requestID := uuid.New().String()
	ch := make(chan *ControlResponse, 1)

	r.mu.Lock()
	r.pendingControl[requestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingControl, requestID)
		r.mu.Unlock()
	}()

	req := ControlRequest{
		Type:      messageTypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequestBody{Subtype: subtypeSetModel, Model: modelID},
	}
	if err := r.writeJSON(req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(controlTimeout):
		return fmt.Errorf("set_model request timed out after %v", controlTimeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("set_model rejected: %s", resp.Error)
		}
		return nil
	}
}

// Subscribe registers an event sink. Events are delivered in stream
// order, one sink call at a time.
func (r *Runtime) Subscribe(fn func(agent.Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Messages returns a copy of the transcript so far.
func (r *Runtime) Messages() []agent.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Message, len(r.transcript))
	copy(out, r.transcript)
	return out
}

// SessionFile returns the CLI session id used to resume this
// conversation in a later process.
func (r *Runtime) SessionFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Close tears the subprocess down: EOF on stdin, then kill after a
// grace period. Any in-flight turn fails with ErrClosed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.deliverTurn(agent.ErrClosed)

	if r.stdin != nil {
		_ = r.stdin.Close()
	}

	if r.cmd != nil && r.cmd.Process != nil {
		select {
		case <-r.doneCh:
		case <-time.After(closeGracePeriod):
			r.logger.Warn("agent process did not exit, killing")
			_ = r.cmd.Process.Kill()
			select {
			case <-r.doneCh:
			case <-time.After(closeGracePeriod):
			}
		}
	}
	return nil
}

func (r *Runtime) sendUserMessage(text string) error {
	return r.writeJSON(UserMessage{
		Type:    messageTypeUser,
		Message: UserMessageBody{Role: "user", Content: text},
	})
}

func (r *Runtime) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// emit delivers one event to every subscriber.
func (r *Runtime) emit(ev agent.Event) {
	r.mu.Lock()
	subs := make([]func(agent.Event), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// markTurnStarted emits agent_start once per turn, on the first
// turn-scoped stdout event.
func (r *Runtime) markTurnStarted() {
	r.mu.Lock()
	if r.turnActive {
		r.mu.Unlock()
		return
	}
	r.turnActive = true
	r.mu.Unlock()
	r.emit(agent.NewAgentStart())
}

func (r *Runtime) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		r.logger.Warn("failed to parse agent line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch msg.Type {
	case messageTypeSystem:
		// init arrives at spawn, before any turn; just record the
		// session id used for --resume.
		if msg.Subtype == "init" && msg.SessionID != "" {
			r.mu.Lock()
			r.sessionID = msg.SessionID
			r.mu.Unlock()
		}
	case messageTypeStreamEvent:
		r.markTurnStarted()
		for _, ev := range r.translateStream(msg.Event) {
			r.emit(ev)
		}
	case messageTypeAssistant:
		r.markTurnStarted()
		r.handleAssistant(msg.Message)
	case messageTypeUser:
		r.handleToolResults(msg.Message)
	case messageTypeResult:
		r.handleResult(&msg)
	case messageTypeControlRequest:
		r.handleControlRequest(&msg)
	case messageTypeControlResponse:
		r.handleControlResponse(msg.Response)
	default:
		r.logger.Debug("ignoring agent message", zap.String("type", msg.Type))
	}
}

func (r *Runtime) handleResult(msg *CLIMessage) {
	cost := msg.TotalCostUSD
	if cost == 0 {
		cost = msg.CostUSD
	}

	if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
		text := msg.resultText()
		if text == "" {
			text = msg.Subtype
		}
		r.deliverTurn(fmt.Errorf("agent turn failed: %s", text))
		return
	}

	end := agent.NewAgentEnd()
	end.CostUSD = cost
	r.emit(end)
	r.deliverTurn(nil)
}

// handleControlRequest auto-allows tool permission prompts; the agent
// is already sandboxed to read-only exploration plus the document file.
func (r *Runtime) handleControlRequest(msg *CLIMessage) {
	if msg.Request == nil || msg.RequestID == "" {
		return
	}
	resp := ControlResponseMessage{
		Type:      messageTypeControlResponse,
		RequestID: msg.RequestID,
		Response: &ControlResponseBody{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: "allow"},
		},
	}
	if err := r.writeJSON(resp); err != nil {
		r.logger.Warn("failed to answer permission request", zap.Error(err))
	}
}

func (r *Runtime) handleControlResponse(resp *ControlResponse) {
	if resp == nil || resp.RequestID == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.pendingControl[resp.RequestID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("control response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
