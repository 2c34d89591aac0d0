// Package engine orchestrates one exploration session end to end: it
// owns the agent runtime, the loopback HTTP server, the event hub, the
// render/validation pipeline, session persistence, and the cost ledger.
// All public mutators share one mutex; critical sections never block on
// I/O (broadcasts enqueue, subprocess work runs on its own goroutines).
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/common/clock"
	"github.com/repolens/repolens/internal/common/config"
	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/cost"
	"github.com/repolens/repolens/internal/hub"
	"github.com/repolens/repolens/internal/model"
	"github.com/repolens/repolens/internal/render"
	"github.com/repolens/repolens/internal/server"
	"github.com/repolens/repolens/internal/session"
	"github.com/repolens/repolens/internal/validate"
	"github.com/repolens/repolens/pkg/wire"
)

// Phase is the supervisor state machine position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseStreaming  Phase = "streaming"
	PhaseWaiting    Phase = "waiting"
	PhaseRestarting Phase = "restarting"
	PhaseStopped    Phase = "stopped"
	PhaseFailed     Phase = "failed"
)

var (
	// ErrNotRunning rejects operations while no agent is live.
	ErrNotRunning = errors.New("agent is not running")

	// ErrAgentNotReady rejects prompts before the first agent_start or
	// during a restart window.
	ErrAgentNotReady = errors.New("agent is not ready yet")

	// ErrSessionActive rejects a second start against a different tree.
	ErrSessionActive = errors.New("a session is already active for a different directory")
)

// Deps are the injectable collaborators. Zero values select the real
// implementations.
type Deps struct {
	// Factory builds agent runtimes; required.
	Factory agent.Factory

	// Registry defaults to the built-in model catalog.
	Registry *model.Registry

	// Clock defaults to the wall clock. Tests inject a fake to drive
	// restart backoff, health checks, and heartbeats.
	Clock clock.Clock

	// Validator overrides the command validator built from config.
	Validator validate.Validator
}

// StartOptions carries everything start needs.
type StartOptions struct {
	Cwd    string
	Prompt string
	Scope  []string
	Depth  string
	Model  string
	APIKey string

	// OnReady fires exactly once, on the first agent_start. The CLI
	// gates printing the URL/token on it.
	OnReady func()
}

// ResumeOptions carries everything resume needs.
type ResumeOptions struct {
	Cwd     string
	APIKey  string
	OnReady func()
}

// StartResult is what the operator needs to reach the session.
type StartResult struct {
	URL       string
	Port      int
	Token     string
	SessionID string
}

// Engine is the single-session orchestrator.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	factory  agent.Factory
	registry *model.Registry
	clk      clock.Clock

	hub *hub.Hub

	mu              sync.Mutex
	phase           Phase
	intentionalStop bool
	readyFired      bool
	onReady         func()
	crashCount      int
	healthFailures  int
	unhealthy       bool
	lastActivityTs  int64
	turnEnded       bool

	sess        *session.Session
	store       *session.Store
	sessionLog  *logger.Logger
	apiKey      string
	runtime     agent.Runtime
	unsub       func()
	activeModel model.Model
	ledger      *cost.Ledger
	loop        *validate.Loop
	validator   validate.Validator
	renderer    *render.Renderer
	srv         *server.Server

	pendingWrites map[string]string
	restartTimer  clockwork.Timer
	docTimer      clockwork.Timer
	watcher       *fsnotify.Watcher
	docReady      bool
	docTitle      string

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds an engine around the injected factory. The HTTP server is
// not started until Start or Resume.
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Engine {
	registry := deps.Registry
	if registry == nil {
		registry = model.NewRegistry()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	e := &Engine{
		cfg:           cfg,
		logger:        log.WithComponent("engine"),
		factory:       deps.Factory,
		registry:      registry,
		clk:           clk,
		hub:           hub.New(log),
		phase:         PhaseIdle,
		ledger:        cost.NewLedger(),
		pendingWrites: make(map[string]string),
	}
	e.validator = deps.Validator

	e.hub.SetDispatcher(e.dispatchInbound)
	e.hub.SetInitProvider(func() any { return e.initFrame() })
	e.hub.SetChatProvider(func() []wire.ChatMessage {
		return e.ChatHistory(cfg.Chat.RecentLimit)
	})
	return e
}

// Start creates a fresh session against opts.Cwd and spawns the agent.
// A second start against the same directory returns the existing
// URL/token; against a different directory it fails.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (StartResult, error) {
	cwd, err := filepath.Abs(opts.Cwd)
	if err != nil {
		return StartResult{}, fmt.Errorf("invalid target path: %w", err)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return StartResult{}, fmt.Errorf("target path is not a directory: %s", cwd)
	}
	depth := opts.Depth
	if depth == "" {
		depth = session.DepthMedium
	}
	if !session.ValidDepth(depth) {
		return StartResult{}, fmt.Errorf("invalid depth %q (want shallow, medium, or deep)", depth)
	}

	e.mu.Lock()
	if e.activeLocked() {
		res, sameTree := e.existingResultLocked(cwd)
		e.mu.Unlock()
		if sameTree {
			return res, nil
		}
		return StartResult{}, ErrSessionActive
	}

	m, err := e.registry.Resolve(opts.Model)
	if err != nil {
		e.mu.Unlock()
		return StartResult{}, err
	}

	sess, err := session.New(cwd, opts.Prompt, opts.Scope, depth, m.ID, m.Provider)
	if err != nil {
		e.mu.Unlock()
		return StartResult{}, err
	}

	res, err := e.beginSessionLocked(ctx, sess, m, opts.APIKey, opts.OnReady, false)
	e.mu.Unlock()
	if err != nil {
		return StartResult{}, err
	}

	e.dispatchTurn(buildInitialPrompt(sess))
	return res, nil
}

// Resume recovers the newest persisted session under opts.Cwd and
// spawns the agent against its saved runtime session file.
func (e *Engine) Resume(ctx context.Context, opts ResumeOptions) (StartResult, error) {
	cwd, err := filepath.Abs(opts.Cwd)
	if err != nil {
		return StartResult{}, fmt.Errorf("invalid target path: %w", err)
	}

	store := session.NewStore(cwd)
	sess, err := store.Latest()
	if err != nil {
		return StartResult{}, err
	}

	e.mu.Lock()
	if e.activeLocked() {
		res, sameTree := e.existingResultLocked(cwd)
		e.mu.Unlock()
		if sameTree {
			return res, nil
		}
		return StartResult{}, ErrSessionActive
	}

	m, err := e.registry.Resolve(sess.Model)
	if err != nil {
		// The persisted model may have left the catalog; fall back
		// rather than strand the session.
		m = e.registry.Default()
		sess.Model = m.ID
		sess.Provider = m.Provider
	}

	res, err := e.beginSessionLocked(ctx, sess, m, opts.APIKey, opts.OnReady, true)
	e.mu.Unlock()
	if err != nil {
		return StartResult{}, err
	}

	e.dispatchTurn(buildResumePrompt(sess))
	return res, nil
}

// beginSessionLocked wires everything a live session needs: state dir,
// HTTP server, pid file, session log, validation loop, renderer, agent
// runtime. Callers hold e.mu.
func (e *Engine) beginSessionLocked(ctx context.Context, sess *session.Session, m model.Model, apiKey string, onReady func(), resume bool) (StartResult, error) {
	store := session.NewStore(sess.TargetPath)
	sess.Touch()
	if err := store.Save(sess); err != nil {
		return StartResult{}, err
	}

	if e.runCancel == nil {
		e.runCtx, e.runCancel = context.WithCancel(context.Background())
		go e.watchdog(e.runCtx)
		go e.heartbeatLoop(e.runCtx)
	}

	if e.srv == nil {
		srv, err := server.New(e.cfg.Server, e.hub, e.providers(), e.logger)
		if err != nil {
			return StartResult{}, err
		}
		if err := srv.Start(e.runCtx); err != nil {
			return StartResult{}, err
		}
		e.srv = srv
	}
	sess.Port = e.srv.Port()
	if err := store.Save(sess); err != nil {
		return StartResult{}, err
	}
	if err := session.WritePidFile(sess.TargetPath, e.srv.Port()); err != nil {
		e.logger.Warn("failed to write pid file", zap.Error(err))
	}

	sessionLog, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "text",
		OutputPath: sess.LogPath(),
	})
	if err != nil {
		e.logger.Warn("session log unavailable", zap.Error(err))
		sessionLog = e.logger
	}

	validator := e.validator
	if validator == nil {
		validator = validate.NewCommandValidator(
			e.cfg.Validation.Command,
			e.cfg.Validation.Args,
			e.cfg.Validation.Timeout,
			sessionLog,
		)
	}

	e.sess = sess
	e.store = store
	e.sessionLog = sessionLog.WithSessionID(sess.ID)
	e.apiKey = apiKey
	e.activeModel = m
	e.onReady = onReady
	e.readyFired = false
	e.intentionalStop = false
	e.crashCount = 0
	e.healthFailures = 0
	e.unhealthy = false
	e.turnEnded = false
	e.lastActivityTs = clock.NowMillis(e.clk)
	e.pendingWrites = make(map[string]string)
	e.ledger = cost.NewLedger()
	e.loop = validate.NewLoop(validator, e.cfg.Validation.MaxAttempts, loopSink{e}, e.sessionLog)
	e.renderer = render.New(e.cfg.Render.Command, e.cfg.Render.Args, e.sessionLog)
	e.docReady = false
	e.docTitle = ""
	if resume && sess.HTMLPath != "" {
		if _, err := os.Stat(sess.HTMLPath); err == nil {
			e.docReady = true
			e.docTitle = e.loadTitle(sess)
		}
	}
	e.hub.Reset()
	e.phase = PhaseStarting

	if err := e.spawnRuntimeLocked(); err != nil {
		// Auth-shaped failures reject the start outright; anything else
		// goes through the normal crash-restart path with the server up.
		if agent.Classify(err) == agent.FailureAuth {
			e.phase = PhaseFailed
			return StartResult{}, err
		}
		e.handleCrashLocked(err)
	}

	e.sessionLog.Info("session started",
		zap.String("target", sess.TargetPath),
		zap.String("model", m.ID),
		zap.String("depth", sess.Depth),
		zap.Bool("resume", resume),
	)
	return e.resultLocked(), nil
}

// spawnRuntimeLocked asks the factory for a runtime and subscribes to
// its events. Callers hold e.mu.
func (e *Engine) spawnRuntimeLocked() error {
	rt, err := e.factory(e.runCtx, e.agentConfigLocked())
	if err != nil {
		return err
	}
	e.runtime = rt
	e.unsub = rt.Subscribe(e.handleEvent)
	return nil
}

func (e *Engine) agentConfigLocked() agent.Config {
	return agent.Config{
		Command:     e.cfg.Agent.Command,
		Args:        e.cfg.Agent.Args,
		Cwd:         e.sess.TargetPath,
		Model:       e.activeModel.ID,
		Provider:    e.activeModel.Provider,
		APIKey:      e.apiKey,
		SessionDir:  e.sess.Dir(),
		SessionFile: e.sess.SessionFile,
		Logger:      e.sessionLog,
	}
}

func (e *Engine) resultLocked() StartResult {
	return StartResult{
		URL:       e.srv.URL(),
		Port:      e.srv.Port(),
		Token:     e.srv.Secret(),
		SessionID: e.sess.ID,
	}
}

// activeLocked reports whether a session currently owns the agent.
func (e *Engine) activeLocked() bool {
	switch e.phase {
	case PhaseIdle, PhaseStopped, PhaseFailed:
		return false
	default:
		return true
	}
}

// existingResultLocked returns the running session's result when the
// requested tree matches it.
func (e *Engine) existingResultLocked(cwd string) (StartResult, bool) {
	if e.sess == nil || e.srv == nil || e.sess.TargetPath != cwd {
		return StartResult{}, false
	}
	return e.resultLocked(), true
}

func (e *Engine) loadTitle(sess *session.Session) string {
	data, err := os.ReadFile(sess.TitlePath())
	if err != nil {
		return filepath.Base(sess.TargetPath)
	}
	return string(data)
}

// Stop tears the agent down intentionally: cancels pending restarts,
// aborts and closes the runtime, clears the pending-write map and
// validation state, and broadcasts agent_stopped once. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.phase == PhaseIdle || e.intentionalStop {
		e.mu.Unlock()
		return
	}
	e.intentionalStop = true
	e.phase = PhaseStopped
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	if e.docTimer != nil {
		e.docTimer.Stop()
		e.docTimer = nil
	}
	rt := e.runtime
	e.runtime = nil
	unsub := e.unsub
	e.unsub = nil
	watcher := e.watcher
	e.watcher = nil
	loop := e.loop
	e.pendingWrites = make(map[string]string)
	e.hub.Broadcast(wire.NewAgentStopped())
	sessionLog := e.sessionLog
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if loop != nil {
		loop.Stop()
	}
	if watcher != nil {
		watcher.Close()
	}
	if rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.Abort(ctx); err != nil && !errors.Is(err, agent.ErrClosed) {
			e.logger.Debug("abort on stop failed", zap.Error(err))
		}
		cancel()
		if err := rt.Close(); err != nil {
			e.logger.Debug("runtime close failed", zap.Error(err))
		}
	}
	if sessionLog != nil {
		sessionLog.Info("session stopped")
	}
}

// StopAll stops the agent, shuts the HTTP server down, ends every
// client, and removes the pid file.
func (e *Engine) StopAll() {
	e.Stop()

	e.mu.Lock()
	srv := e.srv
	e.srv = nil
	cancel := e.runCancel
	e.runCancel = nil
	var target string
	if e.sess != nil {
		target = e.sess.TargetPath
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			e.logger.Warn("server shutdown failed", zap.Error(err))
		}
		cancelShutdown()
	}
	e.hub.CloseAll()
	if target != "" {
		if err := session.RemovePidFile(target); err != nil {
			e.logger.Debug("pid file removal failed", zap.Error(err))
		}
	}
}

// State returns the full public snapshot served by /state.
func (e *Engine) State() wire.StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() wire.StateSnapshot {
	snap := wire.StateSnapshot{
		Phase:                     string(e.phase),
		AgentReady:                e.readyFired,
		AgentRunning:              e.agentRunningLocked(),
		IsStreaming:               e.phase == PhaseStreaming,
		IntentionalStop:           e.intentionalStop,
		ReadyFired:                e.readyFired,
		Validation:                string(validate.StateNone),
		CrashCount:                e.crashCount,
		ConsecutiveHealthFailures: e.healthFailures,
		LastActivityTs:            e.lastActivityTs,
		ClientCount:               e.hub.ClientCount(),
		EventHistoryLength:        e.hub.HistoryLen(),
		Usage:                     e.ledger.Totals(),
		Model:                     e.activeModel.ID,
		Provider:                  e.activeModel.Provider,
		IsSubscription:            e.activeModel.IsSubscription,
	}
	if e.loop != nil {
		state, attempt := e.loop.State()
		snap.Validation = string(state)
		snap.ValidationAttempt = attempt
	}
	if e.sess != nil {
		snap.SessionID = e.sess.ID
		snap.TargetPath = e.sess.TargetPath
		snap.Prompt = e.sess.Prompt
		snap.Depth = e.sess.Depth
		snap.HTMLPath = e.sess.HTMLPath
	}
	if e.srv != nil {
		snap.Port = e.srv.Port()
	}
	return snap
}

func (e *Engine) agentRunningLocked() bool {
	switch e.phase {
	case PhaseStarting, PhaseStreaming, PhaseWaiting, PhaseRestarting:
		return true
	default:
		return false
	}
}

func (e *Engine) validatingLocked() string {
	if e.loop == nil {
		return string(validate.StateNone)
	}
	state, _ := e.loop.State()
	return string(state)
}

// initFrame is the first frame every connecting client receives.
func (e *Engine) initFrame() wire.Init {
	e.mu.Lock()
	defer e.mu.Unlock()
	frame := wire.Init{
		Type:           wire.TypeInit,
		AgentRunning:   e.agentRunningLocked(),
		IsStreaming:    e.phase == PhaseStreaming,
		Validating:     e.validatingLocked(),
		LastActivityTs: e.lastActivityTs,
		Model:          e.activeModel.ID,
		Provider:       e.activeModel.Provider,
		IsSubscription: e.activeModel.IsSubscription,
		Usage:          e.ledger.Totals(),
		ReadOnly:       true,
	}
	if e.sess != nil {
		frame.HTMLPath = e.sess.HTMLPath
		frame.TargetPath = e.sess.TargetPath
		frame.Prompt = e.sess.Prompt
		frame.Depth = e.sess.Depth
	}
	return frame
}

func (e *Engine) providers() server.Providers {
	return server.Providers{
		State: e.State,
		Status: func() wire.Status {
			e.mu.Lock()
			defer e.mu.Unlock()
			st := wire.Status{
				AgentRunning: e.agentRunningLocked(),
				IsStreaming:  e.phase == PhaseStreaming,
				Clients:      e.hub.ClientCount(),
			}
			if e.sess != nil {
				st.HTMLPath = e.sess.HTMLPath
				st.TargetPath = e.sess.TargetPath
			}
			return st
		},
		Models: func() []wire.ModelInfo {
			e.mu.Lock()
			active := e.activeModel.ID
			e.mu.Unlock()
			return e.registry.Infos(active)
		},
		Doc: func() server.DocSnapshot {
			e.mu.Lock()
			defer e.mu.Unlock()
			snap := server.DocSnapshot{Ready: e.docReady, Title: e.docTitle}
			if e.sess != nil {
				snap.BodyPath = e.sess.BodyPath()
			}
			return snap
		},
	}
}

// persistSession rewrites meta.json from the current session state.
func (e *Engine) persistSession() {
	e.mu.Lock()
	if e.sess == nil || e.store == nil {
		e.mu.Unlock()
		return
	}
	snapshot := *e.sess
	store := e.store
	e.mu.Unlock()

	if err := store.Save(&snapshot); err != nil {
		e.logger.Warn("failed to persist session meta", zap.Error(err))
	}
}

// loopSink feeds validation outcomes back through the hub and, for fix
// prompts, into the agent.
type loopSink struct{ e *Engine }

func (s loopSink) Broadcast(frame any) { s.e.hub.Broadcast(frame) }

func (s loopSink) DispatchFix(prompt string) { s.e.dispatchFix(prompt) }
