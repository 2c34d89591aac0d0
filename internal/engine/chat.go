package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/hub"
	"github.com/repolens/repolens/internal/session"
	"github.com/repolens/repolens/pkg/wire"
)

// promptFormattingSuffix rides every operator-typed message so the
// agent keeps the document well-formed; the display path strips it
// again before the text reaches a transcript.
const promptFormattingSuffix = "\n\nFormat your answer in GitHub-flavored markdown and keep the session document up to date. Put diagrams in ```mermaid fenced blocks."

// continuationPrompt nudges a restarted agent back into its turn.
const continuationPrompt = "Continue the exploration where you left off. Re-read your session document if you need to recover context, then keep going."

func depthGuidance(depth string) string {
	switch depth {
	case session.DepthShallow:
		return "Stay shallow: map the top-level layout, entry points, and major components. Do not descend into implementation details."
	case session.DepthDeep:
		return "Go deep: after covering the architecture, work through the important packages function by function, including error paths and concurrency."
	default:
		return "Cover the architecture and the key flows end to end; descend into implementation details only where they carry the design."
	}
}

// buildInitialPrompt assembles the exploration brief for a fresh
// session.
func buildInitialPrompt(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Explore the codebase at %s and write a living document that explains it to a new engineer.\n\n", sess.TargetPath)
	if sess.Prompt != "" {
		fmt.Fprintf(&b, "Focus on: %s\n", sess.Prompt)
	}
	if len(sess.Scope) > 0 {
		fmt.Fprintf(&b, "Restrict your exploration to these paths: %s\n", strings.Join(sess.Scope, ", "))
	}
	fmt.Fprintf(&b, "%s\n\n", depthGuidance(sess.Depth))
	fmt.Fprintf(&b, "Write the document to %s and rewrite it as your understanding improves; it is rendered live for a reader who is watching.\n", sess.DocPath())
	b.WriteString("Use GitHub-flavored markdown. Start with a title heading and a short overview, then build out sections as you learn. Express structure and flows as mermaid diagrams in ```mermaid fenced blocks.")
	return b.String()
}

// buildResumePrompt assembles the brief for a recovered session; the
// runtime itself is resumed from its session file.
func buildResumePrompt(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are resuming an exploration of %s.\n", sess.TargetPath)
	fmt.Fprintf(&b, "Your session document lives at %s. Re-read it, verify it still matches the code, and continue improving it.\n", sess.DocPath())
	if sess.Prompt != "" {
		fmt.Fprintf(&b, "The original focus was: %s\n", sess.Prompt)
	}
	b.WriteString(depthGuidance(sess.Depth))
	return b.String()
}

// Chat delivers operator text to the agent. While streaming the text
// steers the current turn; while waiting it starts a new one. Returns
// ErrNotRunning after stop/failure and ErrAgentNotReady before the
// first agent_start or during a restart window.
func (e *Engine) Chat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	switch {
	case e.intentionalStop, e.runtime == nil, e.phase == PhaseIdle, e.phase == PhaseStopped, e.phase == PhaseFailed:
		e.mu.Unlock()
		return ErrNotRunning
	case e.phase == PhaseStarting, e.phase == PhaseRestarting:
		e.mu.Unlock()
		return ErrAgentNotReady
	}

	full := text + promptFormattingSuffix
	if e.phase == PhaseStreaming {
		rt := e.runtime
		ctx := e.runCtx
		e.mu.Unlock()
		// Mid-turn guidance; the turn keeps running.
		return rt.Prompt(ctx, full, true)
	}
	e.mu.Unlock()

	e.dispatchTurn(full)
	return nil
}

// Abort ends the current turn without stopping the session. A no-op
// unless streaming.
func (e *Engine) Abort() error {
	e.mu.Lock()
	if e.phase != PhaseStreaming || e.runtime == nil {
		e.mu.Unlock()
		return nil
	}
	rt := e.runtime
	ctx := e.runCtx
	e.endTurnLocked()
	e.mu.Unlock()

	if err := rt.Abort(ctx); err != nil && !errors.Is(err, agent.ErrClosed) {
		e.logger.Warn("abort failed", zap.Error(err))
		return err
	}
	return nil
}

// ChangeModel switches the live agent to another registry model and
// broadcasts the outcome either way.
func (e *Engine) ChangeModel(modelID string) error {
	m, err := e.registry.Lookup(modelID)
	if err != nil {
		e.hub.Broadcast(wire.NewModelChangeError(fmt.Sprintf("unknown model %q", modelID)))
		return err
	}

	e.mu.Lock()
	rt := e.runtime
	ctx := e.runCtx
	e.mu.Unlock()
	if rt == nil {
		e.hub.Broadcast(wire.NewModelChangeError("agent is not running"))
		return ErrNotRunning
	}

	if err := rt.SetModel(ctx, m.ID); err != nil {
		e.hub.Broadcast(wire.NewModelChangeError(err.Error()))
		return err
	}

	e.mu.Lock()
	e.activeModel = m
	if e.sess != nil {
		e.sess.Model = m.ID
		e.sess.Provider = m.Provider
	}
	e.hub.Broadcast(wire.NewModelChanged(m.ID, m.Provider, m.IsSubscription))
	e.hub.Broadcast(wire.StatusUpdate{
		Type:           wire.TypeStatusUpdate,
		Usage:          e.ledger.Totals(),
		Model:          m.ID,
		Provider:       m.Provider,
		IsSubscription: m.IsSubscription,
	})
	sessionLog := e.sessionLog
	e.mu.Unlock()

	e.persistSession()
	if sessionLog != nil {
		sessionLog.Info("model changed", zap.String("model", m.ID), zap.String("provider", m.Provider))
	}
	return nil
}

// ChatHistory extracts the browser-facing transcript from the agent's
// message log. limit <= 0 returns everything.
func (e *Engine) ChatHistory(limit int) []wire.ChatMessage {
	e.mu.Lock()
	rt := e.runtime
	e.mu.Unlock()
	if rt == nil {
		return nil
	}
	return extractChat(rt.Messages(), limit)
}

// extractChat filters a full agent transcript down to the user and
// assistant turns a human typed or read. Tool results travel as
// textless user-role messages and are skipped; the first text-bearing
// user message is the synthesized exploration prompt, not chat.
func extractChat(messages []agent.Message, limit int) []wire.ChatMessage {
	var out []wire.ChatMessage
	sawInitial := false
	for _, m := range messages {
		switch m.Role {
		case "user":
			if !m.HasText() {
				continue
			}
			if !sawInitial {
				sawInitial = true
				continue
			}
			out = append(out, wire.ChatMessage{Role: "user", Text: stripPromptSuffix(m.Text())})
		case "assistant":
			if !m.HasText() {
				continue
			}
			if len(out) == 0 || out[len(out)-1].Role != "user" {
				continue
			}
			out = append(out, wire.ChatMessage{Role: "assistant", Text: strings.TrimSpace(m.Text())})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func stripPromptSuffix(text string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), strings.TrimSpace(promptFormattingSuffix)))
}

// dispatchFix feeds a validation fix prompt to the agent: steering when
// a turn is live, a fresh turn otherwise. Fix prompts are synthesized,
// so they skip the operator formatting suffix.
func (e *Engine) dispatchFix(prompt string) {
	e.mu.Lock()
	if e.intentionalStop || e.runtime == nil || e.phase == PhaseStopped || e.phase == PhaseFailed {
		e.mu.Unlock()
		return
	}
	if e.phase == PhaseStreaming {
		rt := e.runtime
		ctx := e.runCtx
		e.mu.Unlock()
		if err := rt.Prompt(ctx, prompt, true); err != nil {
			e.logger.Warn("fix prompt steering failed", zap.Error(err))
		}
		return
	}
	e.mu.Unlock()

	e.dispatchTurn(prompt)
}

// dispatchInbound routes parsed browser messages into the engine.
func (e *Engine) dispatchInbound(_ context.Context, c *hub.Client, msg wire.Inbound) {
	switch msg.Type {
	case wire.InboundPrompt:
		if err := e.Chat(msg.Text); err != nil {
			e.logger.Debug("prompt rejected", zap.Error(err))
		}
	case wire.InboundAbort:
		if err := e.Abort(); err != nil {
			e.logger.Debug("abort rejected", zap.Error(err))
		}
	case wire.InboundStop:
		e.Stop()
	case wire.InboundChangeModel:
		if err := e.ChangeModel(msg.ModelID); err != nil {
			e.logger.Debug("model change rejected", zap.Error(err))
		}
	case wire.InboundLoadHistory:
		c.SendFrame(wire.NewChatHistory(e.ChatHistory(0), true))
	default:
		e.logger.Debug("unknown client message", zap.String("type", msg.Type))
	}
}
