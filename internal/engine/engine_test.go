package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/agent/agenttest"
	"github.com/repolens/repolens/internal/common/config"
	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5},
		Agent:  config.AgentConfig{Command: "claude"},
		Supervisor: config.SupervisorConfig{
			BackoffBase:       100 * time.Millisecond,
			BackoffMax:        time.Second,
			MaxCrashRestarts:  2,
			HealthInterval:    15 * time.Second,
			SilenceTimeout:    10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Validation: config.ValidationConfig{Command: "true", MaxAttempts: 3, Timeout: 5 * time.Second},
		Render:     config.RenderConfig{Command: "cat", Timeout: 5 * time.Second},
		Chat:       config.ChatConfig{RecentLimit: 20},
		Logging:    config.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"},
	}
}

type fixture struct {
	engine  *Engine
	factory *agenttest.Factory
	clk     *clockwork.FakeClock
	cfg     *config.Config
	dir     string
}

// newFixture builds an engine around scripted runtimes, a fake clock,
// and a temp target directory. The renderer is `cat` (markdown passes
// through as the body) and the diagram validator is injectable per
// test.
func newFixture(t *testing.T, cfg *config.Config, rts ...*agenttest.Runtime) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	factory := agenttest.NewFactory(rts...)
	clk := clockwork.NewFakeClock()
	e := New(cfg, testLogger(t), Deps{Factory: factory.New, Clock: clk})
	t.Cleanup(e.StopAll)
	return &fixture{engine: e, factory: factory, clk: clk, cfg: cfg, dir: t.TempDir()}
}

func (f *fixture) start(t *testing.T, opts StartOptions) StartResult {
	t.Helper()
	if opts.Cwd == "" {
		opts.Cwd = f.dir
	}
	res, err := f.engine.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// frames decodes the hub's replay history.
func frames(t *testing.T, e *Engine) []map[string]any {
	t.Helper()
	raw := e.hub.History()
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		var m map[string]any
		if err := json.Unmarshal(r, &m); err != nil {
			t.Fatalf("bad history frame %s: %v", r, err)
		}
		out = append(out, m)
	}
	return out
}

func framesOfType(fs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, f := range fs {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// rpcTypes extracts event.type from every rpc_event frame, in order.
func rpcTypes(fs []map[string]any) []string {
	var out []string
	for _, f := range fs {
		if f["type"] != "rpc_event" {
			continue
		}
		if ev, ok := f["event"].(map[string]any); ok {
			out = append(out, ev["type"].(string))
		}
	}
	return out
}

func countRPC(fs []map[string]any, eventType string) int {
	n := 0
	for _, typ := range rpcTypes(fs) {
		if typ == eventType {
			n++
		}
	}
	return n
}

func indexOfType(fs []map[string]any, typ string) int {
	for i, f := range fs {
		if f["type"] == typ {
			return i
		}
	}
	return -1
}

func TestStartReadinessGate(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)

	var readyCount atomic.Int32
	res := f.start(t, StartOptions{
		Prompt:  "x",
		Depth:   session.DepthMedium,
		OnReady: func() { readyCount.Add(1) },
	})

	if res.URL == "" || res.Token == "" || res.Port == 0 || res.SessionID == "" {
		t.Fatalf("incomplete start result: %+v", res)
	}
	if got := readyCount.Load(); got != 0 {
		t.Fatalf("onReady fired %d times before agent_start", got)
	}
	if st := f.engine.State(); st.AgentReady || st.Phase != string(PhaseStarting) {
		t.Fatalf("state before agent_start = %+v", st)
	}

	rt.Emit(agent.NewAgentStart())

	if got := readyCount.Load(); got != 1 {
		t.Fatalf("onReady fired %d times, want 1", got)
	}
	st := f.engine.State()
	if !st.AgentReady || !st.IsStreaming || st.Phase != string(PhaseStreaming) {
		t.Fatalf("state after agent_start = %+v", st)
	}

	// A second agent_start (e.g. after a restart) must not re-fire it.
	rt.Emit(agent.NewAgentStart())
	if got := readyCount.Load(); got != 1 {
		t.Fatalf("onReady fired %d times after second agent_start, want 1", got)
	}
}

func TestTextOnlyAssistantMessageEndsTurn(t *testing.T) {
	content := []agent.ContentBlock{{Type: agent.BlockText, Text: "done"}}
	rt := agenttest.NewRuntime(agenttest.Turn{Events: []agent.Event{
		agent.NewAgentStart(),
		agent.NewMessageStart("assistant"),
		agent.NewMessageEnd("assistant", content, nil),
	}})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseWaiting)
	}, "phase to reach waiting")

	st := f.engine.State()
	if st.IsStreaming {
		t.Fatal("isStreaming = true in waiting")
	}
	if n := countRPC(frames(t, f.engine), "agent_end"); n != 1 {
		t.Fatalf("agent_end broadcast %d times, want 1", n)
	}
}

func TestNativeAndHeuristicTurnEndEmitOnce(t *testing.T) {
	// SimpleTurn ends with both a text-only assistant message_end and a
	// native agent_end; only one outbound agent_end may appear.
	rt := agenttest.NewRuntime(agenttest.SimpleTurn("done"))
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseWaiting)
	}, "turn to finish")

	if n := countRPC(frames(t, f.engine), "agent_end"); n != 1 {
		t.Fatalf("agent_end broadcast %d times, want 1", n)
	}
}

func TestCrashRestartBackoffSchedule(t *testing.T) {
	rt1 := agenttest.NewRuntime(agenttest.Turn{Err: errors.New("e1")})
	rt2 := agenttest.NewRuntime(agenttest.Turn{Err: errors.New("e2")})
	rt3 := agenttest.NewRuntime(agenttest.Turn{Err: errors.New("e3")})
	f := newFixture(t, nil, rt1, rt2, rt3)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseRestarting)
	}, "first crash to schedule a restart")

	fs := frames(t, f.engine)
	exits := framesOfType(fs, "agent_exit")
	if len(exits) != 1 {
		t.Fatalf("agent_exit count = %d, want 1", len(exits))
	}
	if exits[0]["error"] != "e1" || exits[0]["crashCount"] != float64(1) ||
		exits[0]["willRestart"] != true || exits[0]["restartIn"] != float64(100) {
		t.Fatalf("first agent_exit = %v", exits[0])
	}
	restarts := framesOfType(fs, "agent_restarting")
	if len(restarts) != 1 || restarts[0]["restartIn"] != float64(100) || restarts[0]["maxAttempts"] != float64(2) {
		t.Fatalf("agent_restarting = %v", restarts)
	}

	f.clk.Advance(100 * time.Millisecond)
	waitFor(t, func() bool {
		return len(framesOfType(frames(t, f.engine), "agent_exit")) == 2
	}, "second crash")

	fs = frames(t, f.engine)
	exits = framesOfType(fs, "agent_exit")
	if exits[1]["error"] != "e2" || exits[1]["crashCount"] != float64(2) || exits[1]["restartIn"] != float64(200) {
		t.Fatalf("second agent_exit = %v", exits[1])
	}

	f.clk.Advance(200 * time.Millisecond)
	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseFailed)
	}, "third crash to fail permanently")

	fs = frames(t, f.engine)
	exits = framesOfType(fs, "agent_exit")
	if len(exits) != 3 {
		t.Fatalf("agent_exit count = %d, want 3", len(exits))
	}
	if exits[2]["crashCount"] != float64(3) || exits[2]["willRestart"] != false || exits[2]["restartIn"] != float64(0) {
		t.Fatalf("final agent_exit = %v", exits[2])
	}
	if len(framesOfType(fs, "agent_restarting")) != 2 {
		t.Fatalf("agent_restarting count = %d, want 2", len(framesOfType(fs, "agent_restarting")))
	}
	if n := f.factory.SpawnCount(); n != 3 {
		t.Fatalf("spawn count = %d, want 3", n)
	}
}

func TestAuthErrorOnStartFailsWithoutRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.FailWith(errors.New("no API key configured"))

	_, err := f.engine.Start(context.Background(), StartOptions{Cwd: f.dir})
	if err == nil {
		t.Fatal("Start succeeded with an auth-failing factory")
	}
	if st := f.engine.State(); st.Phase != string(PhaseFailed) {
		t.Fatalf("phase = %s, want failed", st.Phase)
	}
	if len(framesOfType(frames(t, f.engine), "agent_restarting")) != 0 {
		t.Fatal("restart scheduled for an auth failure")
	}
}

func TestAuthErrorMidTurnFailsPermanently(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{
		Events: []agent.Event{agent.NewAgentStart()},
		Err:    errors.New("401 authentication_error: invalid api key"),
	})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseFailed)
	}, "auth error to park the engine")

	fs := frames(t, f.engine)
	exits := framesOfType(fs, "agent_exit")
	if len(exits) != 1 || exits[0]["willRestart"] != false {
		t.Fatalf("agent_exit = %v", exits)
	}
	if len(framesOfType(fs, "agent_restarting")) != 0 {
		t.Fatal("restart scheduled for an auth failure")
	}
	if n := f.factory.SpawnCount(); n != 1 {
		t.Fatalf("spawn count = %d, want 1", n)
	}
}

type scriptedValidator struct{ failSubstring string }

func (v scriptedValidator) Validate(_ context.Context, source string) error {
	if v.failSubstring != "" && strings.Contains(source, v.failSubstring) {
		return errors.New("parse error on line 1")
	}
	return nil
}

func TestValidationFixLoopRequestsFix(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "doc.md")
	doc := "# Design\n\n<pre class=\"mermaid\">graph TD; A-->B</pre>\n\n<pre class=\"mermaid\">graph oops</pre>\n"
	if err := os.WriteFile(docPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := agenttest.NewRuntime(agenttest.Turn{Events: []agent.Event{
		agent.NewAgentStart(),
		agent.NewToolStart("t1", "Write", map[string]any{"file_path": docPath}),
		agent.NewToolEnd("t1", "Write", "ok", false),
	}})

	cfg := testConfig()
	factory := agenttest.NewFactory(rt)
	e := New(cfg, testLogger(t), Deps{
		Factory:   factory.New,
		Clock:     clockwork.NewFakeClock(),
		Validator: scriptedValidator{failSubstring: "oops"},
	})
	t.Cleanup(e.StopAll)
	if _, err := e.Start(context.Background(), StartOptions{Cwd: dir}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The turn stays open (no agent_end), so the fix arrives as steering.
	waitFor(t, func() bool { return len(rt.Steers()) == 1 }, "fix prompt dispatch")

	fix := rt.Steers()[0]
	if !strings.Contains(fix, "graph oops") {
		t.Errorf("fix prompt missing the broken diagram excerpt:\n%s", fix)
	}
	if !strings.Contains(fix, docPath) {
		t.Errorf("fix prompt does not name the markdown path:\n%s", fix)
	}

	fs := frames(t, e)
	ready := framesOfType(fs, "doc_ready")
	if len(ready) != 1 {
		t.Fatalf("doc_ready count = %d, want 1", len(ready))
	}
	if path, _ := ready[0]["path"].(string); !strings.HasSuffix(path, "body.html") {
		t.Errorf("doc_ready path = %v", ready[0]["path"])
	}

	starts := framesOfType(fs, "validation_start")
	if len(starts) != 1 || starts[0]["total"] != float64(2) {
		t.Fatalf("validation_start = %v", starts)
	}
	var failBlocks []map[string]any
	for _, b := range framesOfType(fs, "validation_block") {
		if b["status"] == "error" {
			failBlocks = append(failBlocks, b)
		}
	}
	if len(failBlocks) != 1 || failBlocks[0]["index"] != float64(1) {
		t.Fatalf("failing validation_block = %v", failBlocks)
	}
	ends := framesOfType(fs, "validation_end")
	if len(ends) != 1 || ends[0]["ok"] != false || ends[0]["errorCount"] != float64(1) || ends[0]["total"] != float64(2) {
		t.Fatalf("validation_end = %v", ends)
	}
	fixes := framesOfType(fs, "validation_fix_request")
	if len(fixes) != 1 || fixes[0]["attempt"] != float64(1) || fixes[0]["maxAttempts"] != float64(3) {
		t.Fatalf("validation_fix_request = %v", fixes)
	}

	if i, j := indexOfType(fs, "doc_ready"), indexOfType(fs, "validation_start"); i > j {
		t.Error("validation_start broadcast before doc_ready")
	}
	if i, j := indexOfType(fs, "validation_end"), indexOfType(fs, "validation_fix_request"); i > j {
		t.Error("validation_fix_request broadcast before validation_end")
	}

	st := e.State()
	if st.Validation != "fix_sent" || st.ValidationAttempt != 1 {
		t.Fatalf("validation state = %s attempt %d", st.Validation, st.ValidationAttempt)
	}
}

func dialWS(t *testing.T, res StartResult) *gorillaws.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?token=%s", res.Port, res.Token)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSFrame(t *testing.T, conn *gorillaws.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return m
}

func TestLateClientSeesFullReplayInOrder(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.SimpleTurn("hello"))
	f := newFixture(t, nil, rt)
	res := f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseWaiting)
	}, "turn to finish before the client connects")

	conn := dialWS(t, res)

	first := readWSFrame(t, conn)
	if first["type"] != "init" {
		t.Fatalf("first frame type = %v, want init", first["type"])
	}

	want := []string{
		"agent_start",
		"message_start",
		"message_update", // text_start
		"message_update", // text_delta
		"message_update", // text_end
		"text_done",
		"message_end",
		"agent_end",
	}
	var got []string
	var sawDelta bool
	for len(got) < len(want) {
		frame := readWSFrame(t, conn)
		if frame["type"] != "rpc_event" {
			continue // cost_update etc. interleave with the replay
		}
		ev := frame["event"].(map[string]any)
		got = append(got, ev["type"].(string))
		if ame, ok := ev["assistantMessageEvent"].(map[string]any); ok {
			if ame["type"] == "text_delta" && ame["delta"] == "hello" {
				sawDelta = true
			}
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replayed rpc events = %v, want %v", got, want)
		}
	}
	if !sawDelta {
		t.Error("replay did not include the hello text_delta")
	}
}

func TestStopIsIdempotentAndSilencesEvents(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})
	rt.Emit(agent.NewAgentStart())

	f.engine.Stop()

	if st := f.engine.State(); st.Phase != string(PhaseStopped) || !st.IntentionalStop {
		t.Fatalf("state after stop = %+v", st)
	}
	if !rt.Closed() {
		t.Fatal("runtime not closed by stop")
	}
	if rt.AbortCalls() == 0 {
		t.Fatal("runtime not aborted by stop")
	}
	fs := frames(t, f.engine)
	if n := len(framesOfType(fs, "agent_stopped")); n != 1 {
		t.Fatalf("agent_stopped count = %d, want 1", n)
	}
	historyLen := len(fs)

	// Stop again: no-op.
	f.engine.Stop()
	if n := len(framesOfType(frames(t, f.engine), "agent_stopped")); n != 1 {
		t.Fatalf("second stop broadcast agent_stopped again (count %d)", n)
	}

	// Late agent events are dropped, not forwarded.
	rt.Emit(agent.NewMessageStart("assistant"))
	rt.Emit(agent.NewAgentEnd())
	if got := len(frames(t, f.engine)); got != historyLen {
		t.Fatalf("history grew after stop: %d -> %d", historyLen, got)
	}

	if err := f.engine.Chat("hello"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Chat after stop = %v, want ErrNotRunning", err)
	}
}

func TestStopAllRemovesPidFileAndClosesServer(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	res := f.start(t, StartOptions{})

	info, err := session.ReadPidFile(f.dir)
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if info.PID != os.Getpid() || info.Port != res.Port {
		t.Fatalf("pid file = %+v, want pid %d port %d", info, os.Getpid(), res.Port)
	}

	f.engine.StopAll()

	if _, err := session.ReadPidFile(f.dir); !errors.Is(err, session.ErrNoPidFile) {
		t.Fatalf("pid file still present after stopAll: %v", err)
	}
	if _, _, err := gorillaws.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d/ws?token=%s", res.Port, res.Token), nil); err == nil {
		t.Fatal("server still accepting connections after stopAll")
	}
}

func TestSecondStartSameTreeReturnsExistingSession(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	res1 := f.start(t, StartOptions{})
	res2 := f.start(t, StartOptions{})

	if res1 != res2 {
		t.Fatalf("second start returned a different session: %+v vs %+v", res1, res2)
	}
	if n := f.factory.SpawnCount(); n != 1 {
		t.Fatalf("spawn count = %d, want 1", n)
	}

	other := t.TempDir()
	if _, err := f.engine.Start(context.Background(), StartOptions{Cwd: other}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("start against another tree = %v, want ErrSessionActive", err)
	}
}

func TestStartRejectsBadInputs(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.engine.Start(context.Background(), StartOptions{Cwd: filepath.Join(f.dir, "missing")}); err == nil {
		t.Fatal("start accepted a missing directory")
	}
	if _, err := f.engine.Start(context.Background(), StartOptions{Cwd: f.dir, Depth: "extreme"}); err == nil {
		t.Fatal("start accepted an invalid depth")
	}
	if _, err := f.engine.Start(context.Background(), StartOptions{Cwd: f.dir, Model: "not-a-model"}); err == nil {
		t.Fatal("start accepted an unknown model")
	}
	if n := f.factory.SpawnCount(); n != 0 {
		t.Fatalf("spawn count = %d after rejected starts", n)
	}
}

func TestLedgerAccumulatesMessageEndUsage(t *testing.T) {
	rt := agenttest.NewRuntime(
		agenttest.SimpleTurn("one"),
		agenttest.SimpleTurn("two"),
	)
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseWaiting)
	}, "first turn")

	if err := f.engine.Chat("again"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	waitFor(t, func() bool {
		st := f.engine.State()
		return st.Usage.Requests == 2 && st.Phase == string(PhaseWaiting)
	}, "second turn")

	st := f.engine.State()
	if st.Usage.Usage.Input != 20 || st.Usage.Usage.Output != 10 {
		t.Fatalf("usage totals = %+v, want input 20 output 10", st.Usage.Usage)
	}
	if st.Usage.Cost <= 0 {
		t.Fatalf("cost = %v, want > 0 for a priced model", st.Usage.Cost)
	}
	if n := len(framesOfType(frames(t, f.engine), "cost_update")); n != 2 {
		t.Fatalf("cost_update count = %d, want 2", n)
	}
}

func TestChatSteeringAndReadiness(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	if err := f.engine.Chat("too early"); !errors.Is(err, ErrAgentNotReady) {
		t.Fatalf("Chat before agent_start = %v, want ErrAgentNotReady", err)
	}

	rt.Emit(agent.NewAgentStart())
	if err := f.engine.Chat("look at the scheduler"); err != nil {
		t.Fatalf("Chat while streaming: %v", err)
	}

	steers := rt.Steers()
	if len(steers) != 1 {
		t.Fatalf("steer count = %d, want 1", len(steers))
	}
	if !strings.HasPrefix(steers[0], "look at the scheduler") {
		t.Fatalf("steer text = %q", steers[0])
	}
	if !strings.Contains(steers[0], "GitHub-flavored markdown") {
		t.Fatal("formatting suffix missing from the dispatched prompt")
	}
}

func TestAbortEndsTurnOnce(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})
	rt.Emit(agent.NewAgentStart())

	if err := f.engine.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if st := f.engine.State(); st.Phase != string(PhaseWaiting) {
		t.Fatalf("phase after abort = %s, want waiting", st.Phase)
	}
	if n := rt.AbortCalls(); n != 1 {
		t.Fatalf("abort calls = %d, want 1", n)
	}
	if n := countRPC(frames(t, f.engine), "agent_end"); n != 1 {
		t.Fatalf("agent_end count = %d, want 1", n)
	}

	// Abort while waiting: no-op.
	if err := f.engine.Abort(); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	if n := rt.AbortCalls(); n != 1 {
		t.Fatalf("abort calls after no-op = %d, want 1", n)
	}
}

func TestChangeModelUpdatesRuntimeAndMeta(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})
	rt.Emit(agent.NewAgentStart())

	if err := f.engine.ChangeModel("gpt-5"); err != nil {
		t.Fatalf("ChangeModel: %v", err)
	}
	if calls := rt.ModelCalls(); len(calls) != 1 || calls[0] != "gpt-5" {
		t.Fatalf("model calls = %v", calls)
	}
	if st := f.engine.State(); st.Model != "gpt-5" || st.Provider != "openai" {
		t.Fatalf("state model = %s/%s", st.Model, st.Provider)
	}
	changed := framesOfType(frames(t, f.engine), "model_changed")
	if len(changed) != 1 || changed[0]["model"] != "gpt-5" {
		t.Fatalf("model_changed = %v", changed)
	}

	saved, err := session.NewStore(f.dir).Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if saved.Model != "gpt-5" || saved.Provider != "openai" {
		t.Fatalf("persisted model = %s/%s", saved.Model, saved.Provider)
	}

	if err := f.engine.ChangeModel("never-heard-of-it"); err == nil {
		t.Fatal("ChangeModel accepted an unknown model")
	}
	if n := len(framesOfType(frames(t, f.engine), "model_change_error")); n != 1 {
		t.Fatalf("model_change_error count = %d, want 1", n)
	}
}

func TestWatchdogFlagsSilentStreamingAgent(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	// Both the watchdog and heartbeat tickers must be registered before
	// the clock moves.
	f.clk.BlockUntil(2)
	rt.Emit(agent.NewAgentStart())

	f.clk.Advance(16 * time.Second)

	waitFor(t, func() bool {
		for _, h := range framesOfType(frames(t, f.engine), "agent_health") {
			if h["healthy"] == false {
				return true
			}
		}
		return false
	}, "unhealthy broadcast")

	var unhealthy map[string]any
	for _, h := range framesOfType(frames(t, f.engine), "agent_health") {
		if h["healthy"] == false {
			unhealthy = h
		}
	}
	if unhealthy["failures"] != float64(1) {
		t.Fatalf("agent_health = %v", unhealthy)
	}
	if silent, _ := unhealthy["silentMin"].(float64); silent < 0.2 || silent > 0.4 {
		t.Fatalf("silentMin = %v, want about 0.3", unhealthy["silentMin"])
	}

	// Any event restores health.
	rt.Emit(agent.NewMessageStart("assistant"))
	waitFor(t, func() bool {
		for _, h := range framesOfType(frames(t, f.engine), "agent_health") {
			if h["restored"] == true {
				return true
			}
		}
		return false
	}, "health restored broadcast")

	if st := f.engine.State(); st.ConsecutiveHealthFailures != 0 {
		t.Fatalf("failures = %d after recovery", st.ConsecutiveHealthFailures)
	}
}

func TestHeartbeatOnlyWhileClientsConnected(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	f := newFixture(t, nil, rt)
	res := f.start(t, StartOptions{})

	f.clk.BlockUntil(2)
	f.clk.Advance(15 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := len(framesOfType(frames(t, f.engine), "heartbeat")); n != 0 {
		t.Fatalf("heartbeat broadcast with no clients (count %d)", n)
	}

	conn := dialWS(t, res)
	if first := readWSFrame(t, conn); first["type"] != "init" {
		t.Fatalf("first frame = %v", first["type"])
	}
	waitFor(t, func() bool { return f.engine.State().ClientCount == 1 }, "client registration")

	f.clk.Advance(15 * time.Second)
	waitFor(t, func() bool {
		return len(framesOfType(frames(t, f.engine), "heartbeat")) == 1
	}, "heartbeat broadcast")

	hb := framesOfType(frames(t, f.engine), "heartbeat")[0]
	if hb["agentRunning"] != true || hb["healthy"] != true {
		t.Fatalf("heartbeat = %v", hb)
	}
	if ts, _ := hb["ts"].(float64); ts <= 0 {
		t.Fatalf("heartbeat ts = %v", hb["ts"])
	}
}

func TestDocEditTriggersDebouncedRerender(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "doc.md")
	if err := os.WriteFile(docPath, []byte("# Notes\n\nfirst draft\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := agenttest.NewRuntime(agenttest.Turn{Events: []agent.Event{
		agent.NewAgentStart(),
		agent.NewToolStart("t1", "Write", map[string]any{"file_path": docPath}),
		agent.NewToolEnd("t1", "Write", "ok", false),
	}})
	cfg := testConfig()
	factory := agenttest.NewFactory(rt)
	clk := clockwork.NewFakeClock()
	e := New(cfg, testLogger(t), Deps{
		Factory:   factory.New,
		Clock:     clk,
		Validator: scriptedValidator{},
	})
	t.Cleanup(e.StopAll)
	if _, err := e.Start(context.Background(), StartOptions{Cwd: dir}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		return len(framesOfType(frames(t, e), "doc_ready")) == 1
	}, "first render")
	waitFor(t, func() bool {
		return len(framesOfType(frames(t, e), "doc_validated")) == 1
	}, "validation of a diagram-free document")

	// An out-of-band edit arms the debounce timer; firing it re-renders.
	if err := os.WriteFile(docPath, []byte("# Notes\n\nsecond draft\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.docTimer != nil
	}, "debounce timer armed by the file watcher")

	clk.Advance(renderDebounce)
	waitFor(t, func() bool {
		return len(framesOfType(frames(t, e), "doc_ready")) == 2
	}, "debounced re-render")

	body, err := os.ReadFile(e.State().HTMLPath)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "second draft") {
		t.Fatalf("body not re-rendered: %s", body)
	}
}

func TestChatHistoryExtraction(t *testing.T) {
	rt := agenttest.NewRuntime(
		agenttest.SimpleTurn("the scheduler fans work out"),
		agenttest.SimpleTurn("the hub replays history"),
	)
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{Prompt: "explain the internals"})

	waitFor(t, func() bool {
		return f.engine.State().Phase == string(PhaseWaiting)
	}, "first turn")
	if err := f.engine.Chat("what about the hub?"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	waitFor(t, func() bool {
		return f.engine.State().Usage.Requests == 2
	}, "second turn")

	history := f.engine.ChatHistory(0)
	if len(history) != 2 {
		t.Fatalf("history = %+v, want 2 entries", history)
	}
	if history[0].Role != "user" || history[0].Text != "what about the hub?" {
		t.Fatalf("history[0] = %+v (suffix not stripped?)", history[0])
	}
	if history[1].Role != "assistant" || history[1].Text != "the hub replays history" {
		t.Fatalf("history[1] = %+v", history[1])
	}

	if limited := f.engine.ChatHistory(1); len(limited) != 1 || limited[0].Role != "assistant" {
		t.Fatalf("limited history = %+v", limited)
	}
}

func TestResumeRecoversLatestSession(t *testing.T) {
	dir := t.TempDir()

	rt1 := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	rt1.SetSessionID("cli-session-42")
	factory1 := agenttest.NewFactory(rt1)
	e1 := New(testConfig(), testLogger(t), Deps{Factory: factory1.New, Clock: clockwork.NewFakeClock()})
	res1, err := e1.Start(context.Background(), StartOptions{Cwd: dir, Prompt: "map the core"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt1.Emit(agent.NewAgentStart())
	waitFor(t, func() bool {
		sess, err := session.NewStore(dir).Latest()
		return err == nil && sess.SessionFile == "cli-session-42"
	}, "session file persisted")
	e1.StopAll()

	rt2 := agenttest.NewRuntime(agenttest.Turn{Hang: true})
	factory2 := agenttest.NewFactory(rt2)
	e2 := New(testConfig(), testLogger(t), Deps{Factory: factory2.New, Clock: clockwork.NewFakeClock()})
	t.Cleanup(e2.StopAll)

	res2, err := e2.Resume(context.Background(), ResumeOptions{Cwd: dir})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res2.SessionID != res1.SessionID {
		t.Fatalf("resumed session id = %s, want %s", res2.SessionID, res1.SessionID)
	}

	spawns := factory2.Spawns()
	if len(spawns) != 1 || spawns[0].SessionFile != "cli-session-42" {
		t.Fatalf("spawn config = %+v, want the saved session file", spawns)
	}
	waitFor(t, func() bool { return len(rt2.Prompts()) == 1 }, "resume prompt dispatch")
	if p := rt2.Prompts()[0]; !strings.Contains(p, "resuming an exploration") {
		t.Fatalf("resume prompt = %q", p)
	}
}

func TestResumeWithoutSessionsFails(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.engine.Resume(context.Background(), ResumeOptions{Cwd: f.dir}); !errors.Is(err, session.ErrNoSessions) {
		t.Fatalf("Resume = %v, want ErrNoSessions", err)
	}
}

func TestToolResultTruncation(t *testing.T) {
	long := strings.Repeat("x", toolResultLimit+500)
	rt := agenttest.NewRuntime(agenttest.Turn{Events: []agent.Event{
		agent.NewAgentStart(),
		agent.NewToolStart("t1", "Read", map[string]any{"file_path": "/tmp/big.txt"}),
		agent.NewToolEnd("t1", "Read", long, false),
	}})
	f := newFixture(t, nil, rt)
	f.start(t, StartOptions{})

	waitFor(t, func() bool {
		return countRPC(frames(t, f.engine), "tool_execution_end") == 1
	}, "tool end broadcast")

	for _, fr := range frames(t, f.engine) {
		if fr["type"] != "rpc_event" {
			continue
		}
		ev := fr["event"].(map[string]any)
		if ev["type"] != "tool_execution_end" {
			continue
		}
		result := ev["result"].(string)
		if len(result) > toolResultLimit+len(truncationSuffix) {
			t.Fatalf("result length = %d, want <= %d", len(result), toolResultLimit+len(truncationSuffix))
		}
		if !strings.HasSuffix(result, truncationSuffix) {
			t.Fatal("truncated result missing the marker suffix")
		}
	}
}

func TestMarkdownWriteTarget(t *testing.T) {
	cases := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"write file_path", "Write", map[string]any{"file_path": "notes/doc.md"}, "notes/doc.md"},
		{"edit lowercase", "edit", map[string]any{"path": "README.md"}, "README.md"},
		{"str_replace filePath", "str_replace", map[string]any{"filePath": "a.MD"}, "a.MD"},
		{"write non-markdown", "Write", map[string]any{"file_path": "main.go"}, ""},
		{"bash redirect", "Bash", map[string]any{"command": "echo hi > out/doc.md"}, "out/doc.md"},
		{"bash append", "bash", map[string]any{"command": "cat a.txt >> doc.md"}, "doc.md"},
		{"bash no redirect", "bash", map[string]any{"command": "ls -la"}, ""},
		{"unrelated tool", "Grep", map[string]any{"pattern": "x.md"}, ""},
		{"missing args", "Write", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := markdownWriteTarget(tc.tool, tc.args); got != tc.want {
				t.Errorf("markdownWriteTarget(%q, %v) = %q, want %q", tc.tool, tc.args, got, tc.want)
			}
		})
	}
}
