package engine

import (
	"context"
	"errors"
	"math"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/common/clock"
	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/common/tracing"
	"github.com/repolens/repolens/pkg/wire"
)

// toolResultLimit caps tool output forwarded to browsers.
const toolResultLimit = 10000

const truncationSuffix = "… [truncated]"

// handleEvent is the single sink for agent events. It runs on the
// runtime's delivery goroutine: update state, broadcast the trimmed wire
// form, and get out.
func (e *Engine) handleEvent(ev agent.Event) {
	var fire func()

	e.mu.Lock()
	if e.intentionalStop || e.phase == PhaseStopped || e.phase == PhaseFailed {
		e.mu.Unlock()
		return
	}

	e.lastActivityTs = clock.NowMillis(e.clk)
	if e.unhealthy {
		e.unhealthy = false
		e.healthFailures = 0
		e.hub.Broadcast(wire.NewAgentHealthRestored())
	} else {
		e.healthFailures = 0
	}

	switch ev.Kind {
	case agent.EventAgentStart:
		e.phase = PhaseStreaming
		e.turnEnded = false
		e.crashCount = 0
		if !e.readyFired {
			e.readyFired = true
			fire = e.onReady
		}
		e.hub.Broadcast(wire.NewRPCAgentStart())
		e.syncSessionFileLocked()

	case agent.EventAgentEnd:
		e.syncSessionFileLocked()
		e.endTurnLocked()

	case agent.EventMessageStart:
		e.hub.Broadcast(wire.NewRPCMessageStart(ev.Role))

	case agent.EventMessageUpdate:
		if u := ev.Update; u != nil {
			e.hub.Broadcast(wire.NewRPCMessageUpdate(u.Kind, u.Delta, u.ContentIndex, u.Content))
			if u.Kind == wire.UpdateTextEnd {
				e.hub.Broadcast(wire.NewRPCTextDone())
			}
		}

	case agent.EventMessageEnd:
		e.handleMessageEndLocked(ev)

	case agent.EventToolStart:
		if path := markdownWriteTarget(ev.ToolName, ev.ToolArgs); path != "" {
			e.pendingWrites[ev.ToolCallID] = path
		}
		e.hub.Broadcast(wire.NewRPCToolStart(ev.ToolCallID, ev.ToolName, ev.ToolArgs))

	case agent.EventToolEnd:
		e.handleToolEndLocked(ev)

	default:
		// tool_execution_update and auto_compaction/auto_retry events
		// count as activity only; nothing reaches the browser.
	}
	sessionLog := e.sessionLog
	e.mu.Unlock()

	if sessionLog != nil {
		logAgentEvent(sessionLog, ev)
	}
	if fire != nil {
		fire()
	}
}

func (e *Engine) handleMessageEndLocked(ev agent.Event) {
	msg := ev.AsMessage()
	e.hub.Broadcast(wire.NewRPCMessageEnd(ev.Role, msg.Text(), ev.Usage))

	if ev.Usage != nil && (!ev.Usage.IsZero() || ev.CostUSD > 0) {
		entry := e.ledger.Add(*ev.Usage, e.activeModel, ev.CostUSD)
		e.hub.Broadcast(wire.CostUpdate{
			Type:           wire.TypeCostUpdate,
			Latest:         entry.ToWire(),
			Session:        e.ledger.Totals(),
			Model:          e.activeModel.ID,
			Provider:       e.activeModel.Provider,
			IsSubscription: e.activeModel.IsSubscription,
		})
	}

	// A final assistant message with no tool calls means the agent chose
	// to stop on text; treat it as the end of the turn.
	if ev.Role == "assistant" && !msg.HasToolUse() {
		e.endTurnLocked()
	}
}

func (e *Engine) handleToolEndLocked(ev agent.Event) {
	e.hub.Broadcast(wire.NewRPCToolEnd(ev.ToolCallID, ev.ToolName, truncateResult(ev.Result), ev.IsError))

	path, ok := e.pendingWrites[ev.ToolCallID]
	if !ok {
		return
	}
	delete(e.pendingWrites, ev.ToolCallID)
	if !ev.IsError {
		go e.publishDoc(path)
	}
}

// endTurnLocked flips streaming to waiting and emits the outbound
// agent_end exactly once per turn, whether the trigger was a native
// agent_end, a text-only assistant message, or an operator abort.
func (e *Engine) endTurnLocked() {
	if e.turnEnded {
		return
	}
	e.turnEnded = true
	if e.phase == PhaseStreaming {
		e.phase = PhaseWaiting
	}
	e.hub.Broadcast(wire.NewRPCAgentEnd())
}

// syncSessionFileLocked persists the runtime's resume handle once it
// becomes known.
func (e *Engine) syncSessionFileLocked() {
	if e.runtime == nil || e.sess == nil {
		return
	}
	if sf := e.runtime.SessionFile(); sf != "" && sf != e.sess.SessionFile {
		e.sess.SessionFile = sf
		go e.persistSession()
	}
}

// dispatchTurn starts a new agent turn in the background; the goroutine
// blocks until the turn ends and routes any error through the crash
// classifier.
func (e *Engine) dispatchTurn(text string) {
	go e.runTurn(text)
}

func (e *Engine) runTurn(text string) {
	e.mu.Lock()
	rt := e.runtime
	ctx := e.runCtx
	e.mu.Unlock()
	if rt == nil || ctx == nil {
		return
	}
	ctx, span := tracing.Tracer("repolens-engine").Start(ctx, "engine.Turn")
	defer span.End()
	if err := rt.Prompt(ctx, text, false); err != nil {
		e.handlePromptError(err)
	}
}

func (e *Engine) handlePromptError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.intentionalStop || e.phase == PhaseStopped {
		return
	}
	if errors.Is(err, agent.ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	if agent.Classify(err) == agent.FailureAuth {
		e.failLocked(err)
		return
	}
	e.handleCrashLocked(err)
}

// failLocked parks the engine permanently; auth-shaped failures do not
// restart.
func (e *Engine) failLocked(err error) {
	e.phase = PhaseFailed
	e.hub.Broadcast(wire.NewAgentExit(err.Error(), e.crashCount, false, 0))
	e.logger.Error("agent failed, not restarting",
		zap.Error(err),
		zap.String("class", agent.Classify(err).String()),
	)
}

// handleCrashLocked is crash step one: count, announce, and either give
// up or schedule the backoff restart.
func (e *Engine) handleCrashLocked(err error) {
	if e.intentionalStop || e.phase == PhaseStopped || e.phase == PhaseFailed {
		return
	}

	e.crashCount++
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	if rt := e.runtime; rt != nil {
		e.runtime = nil
		go rt.Close()
	}

	maxRestarts := e.cfg.Supervisor.MaxCrashRestarts
	willRestart := e.crashCount <= maxRestarts
	var delay time.Duration
	if willRestart {
		delay = clock.Backoff(e.cfg.Supervisor.BackoffBase, e.cfg.Supervisor.BackoffMax, e.crashCount)
	}
	e.hub.Broadcast(wire.NewAgentExit(err.Error(), e.crashCount, willRestart, delay.Milliseconds()))
	e.logger.Warn("agent crashed",
		zap.Error(err),
		zap.Int("crash_count", e.crashCount),
		zap.Bool("will_restart", willRestart),
	)

	if !willRestart {
		e.phase = PhaseFailed
		return
	}

	e.phase = PhaseRestarting
	e.hub.Broadcast(wire.NewAgentRestarting(e.crashCount, maxRestarts, delay.Milliseconds()))
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.restartTimer = e.clk.AfterFunc(delay, e.restartAgent)
}

// restartAgent fires from the backoff timer: respawn, resubscribe, and
// nudge the agent back into its turn. Factory failure recurses into the
// crash path.
func (e *Engine) restartAgent() {
	e.mu.Lock()
	if e.intentionalStop || e.phase != PhaseRestarting || e.runtime != nil {
		e.mu.Unlock()
		return
	}
	cfg := e.agentConfigLocked()
	ctx := e.runCtx
	e.mu.Unlock()

	rt, err := e.factory(ctx, cfg)

	e.mu.Lock()
	if e.intentionalStop || e.phase != PhaseRestarting {
		e.mu.Unlock()
		if rt != nil {
			rt.Close()
		}
		return
	}
	if err != nil {
		e.handleCrashLocked(err)
		e.mu.Unlock()
		return
	}
	e.runtime = rt
	e.unsub = rt.Subscribe(e.handleEvent)
	prompt := e.restartPromptLocked()
	e.mu.Unlock()

	e.dispatchTurn(prompt)
}

// restartPromptLocked picks what to send a fresh runtime: the original
// exploration prompt when the previous one never got a resumable
// session, otherwise a short continuation nudge.
func (e *Engine) restartPromptLocked() string {
	if e.sess != nil && e.sess.SessionFile == "" {
		return buildInitialPrompt(e.sess)
	}
	return continuationPrompt
}

// watchdog flags a streaming agent that has gone silent. It only ever
// reports; restarts stay the crash path's business.
func (e *Engine) watchdog(ctx context.Context) {
	ticker := e.clk.NewTicker(e.cfg.Supervisor.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.checkHealth()
		}
	}
}

func (e *Engine) checkHealth() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseStreaming {
		return
	}
	silentMs := clock.NowMillis(e.clk) - e.lastActivityTs
	if silentMs <= e.cfg.Supervisor.SilenceTimeout.Milliseconds() {
		return
	}
	e.healthFailures++
	e.unhealthy = true
	silentMin := math.Round(float64(silentMs)/6000) / 10
	e.hub.Broadcast(wire.NewAgentUnhealthy(e.healthFailures, silentMin))
	e.logger.Warn("agent silent while streaming",
		zap.Int64("silent_ms", silentMs),
		zap.Int("failures", e.healthFailures),
	)
}

// heartbeatLoop broadcasts a status heartbeat while anyone is watching.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := e.clk.NewTicker(e.cfg.Supervisor.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if e.hub.ClientCount() == 0 {
				continue
			}
			e.mu.Lock()
			hb := e.heartbeatLocked()
			e.hub.Broadcast(hb)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) heartbeatLocked() wire.Heartbeat {
	hb := wire.Heartbeat{
		Type:                      wire.TypeHeartbeat,
		AgentRunning:              e.agentRunningLocked(),
		IsStreaming:               e.phase == PhaseStreaming,
		Validating:                e.validatingLocked(),
		LastActivityTs:            e.lastActivityTs,
		Healthy:                   !e.unhealthy,
		ConsecutiveHealthFailures: e.healthFailures,
		Ts:                        clock.NowMillis(e.clk),
		Usage:                     e.ledger.Totals(),
		Model:                     e.activeModel.ID,
		Provider:                  e.activeModel.Provider,
		IsSubscription:            e.activeModel.IsSubscription,
	}
	if e.sess != nil {
		hb.HTMLPath = e.sess.HTMLPath
	}
	return hb
}

func truncateResult(s string) string {
	if len(s) <= toolResultLimit {
		return s
	}
	cut := toolResultLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix
}

func logAgentEvent(log *logger.Logger, ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessageUpdate:
		// Streaming deltas would drown the log.
	case agent.EventToolStart:
		log.Info("tool start", zap.String("tool", ev.ToolName), zap.String("call_id", ev.ToolCallID))
	case agent.EventToolEnd:
		log.Info("tool end", zap.String("tool", ev.ToolName), zap.Bool("is_error", ev.IsError))
	case agent.EventMessageEnd:
		log.Info("message end", zap.String("role", ev.Role))
	default:
		log.Info(string(ev.Kind))
	}
}
