// Package agenttest provides a scripted agent.Runtime for exercising
// supervision, restart, and streaming behavior without a subprocess.
package agenttest

import (
	"context"
	"sync"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/pkg/wire"
)

// Turn scripts the fake's response to one blocking Prompt call: the
// events to emit, then the error to return.
type Turn struct {
	Events []agent.Event
	Err    error
	// Hang blocks the prompt until the context is cancelled or
	// FailNow is called.
	Hang bool
}

// SimpleTurn scripts a clean turn: agent_start, one streamed assistant
// message, agent_end.
func SimpleTurn(text string) Turn {
	content := []agent.ContentBlock{{Type: agent.BlockText, Text: text}}
	return Turn{Events: []agent.Event{
		agent.NewAgentStart(),
		agent.NewMessageStart("assistant"),
		agent.NewMessageUpdate(wire.UpdateTextStart, "", 0, ""),
		agent.NewMessageUpdate(wire.UpdateTextDelta, text, 0, ""),
		agent.NewMessageUpdate(wire.UpdateTextEnd, "", 0, ""),
		agent.NewMessageEnd("assistant", content, &wire.Usage{Input: 10, Output: 5}),
		agent.NewAgentEnd(),
	}}
}

// CrashTurn scripts a turn that starts and then dies with err.
func CrashTurn(err error) Turn {
	return Turn{
		Events: []agent.Event{agent.NewAgentStart()},
		Err:    err,
	}
}

// Runtime is a scripted agent.Runtime.
type Runtime struct {
	mu         sync.Mutex
	turns      []Turn
	turnIdx    int
	subs       map[int]func(agent.Event)
	nextSub    int
	transcript []agent.Message
	prompts    []string
	steers     []string
	modelCalls []string
	abortCalls int
	sessionID  string
	closed     bool
	failCh     chan error
}

// NewRuntime builds a fake that plays the given turns in order.
func NewRuntime(turns ...Turn) *Runtime {
	return &Runtime{
		turns:  turns,
		subs:   make(map[int]func(agent.Event)),
		failCh: make(chan error, 1),
	}
}

// SetSessionID sets the value SessionFile reports.
func (r *Runtime) SetSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// AddTurn appends a scripted turn.
func (r *Runtime) AddTurn(turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

// Emit delivers an event out of band, as if the agent produced it
// spontaneously.
func (r *Runtime) Emit(ev agent.Event) {
	for _, fn := range r.snapshotSubs() {
		fn(ev)
	}
}

// FailNow unblocks a hanging turn with err, simulating process death.
func (r *Runtime) FailNow(err error) {
	select {
	case r.failCh <- err:
	default:
	}
}

// Prompts returns the texts sent as blocking turns.
func (r *Runtime) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.prompts))
	copy(out, r.prompts)
	return out
}

// Steers returns the texts sent as steering messages.
func (r *Runtime) Steers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.steers))
	copy(out, r.steers)
	return out
}

// ModelCalls returns the model ids passed to SetModel.
func (r *Runtime) ModelCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.modelCalls))
	copy(out, r.modelCalls)
	return out
}

// AbortCalls returns how many times Abort was invoked.
func (r *Runtime) AbortCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortCalls
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) snapshotSubs() []func(agent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(agent.Event), 0, len(r.subs))
	for _, fn := range r.subs {
		out = append(out, fn)
	}
	return out
}

// Prompt plays the next scripted turn (steer calls just record).
func (r *Runtime) Prompt(ctx context.Context, text string, steer bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return agent.ErrClosed
	}
	r.transcript = append(r.transcript, agent.Message{
		Role:    "user",
		Content: []agent.ContentBlock{{Type: agent.BlockText, Text: text}},
	})
	if steer {
		r.steers = append(r.steers, text)
		r.mu.Unlock()
		return nil
	}
	r.prompts = append(r.prompts, text)

	var turn Turn
	hasTurn := r.turnIdx < len(r.turns)
	if hasTurn {
		turn = r.turns[r.turnIdx]
		r.turnIdx++
	}
	r.mu.Unlock()

	if !hasTurn || turn.Hang {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-r.failCh:
			return err
		}
	}

	for _, ev := range turn.Events {
		if ev.Kind == agent.EventMessageEnd {
			r.mu.Lock()
			r.transcript = append(r.transcript, ev.AsMessage())
			r.mu.Unlock()
		}
		r.Emit(ev)
	}
	return turn.Err
}

func (r *Runtime) Abort(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortCalls++
	return nil
}

func (r *Runtime) SetModel(ctx context.Context, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelCalls = append(r.modelCalls, modelID)
	return nil
}

func (r *Runtime) Subscribe(fn func(agent.Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Runtime) Messages() []agent.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Message, len(r.transcript))
	copy(out, r.transcript)
	return out
}

func (r *Runtime) SessionFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	closed := r.closed
	r.closed = true
	r.mu.Unlock()
	if !closed {
		r.FailNow(agent.ErrClosed)
	}
	return nil
}

// Factory hands out scripted runtimes in order and records every spawn
// config. Spawns past the scripted list get a fresh idle runtime.
type Factory struct {
	mu       sync.Mutex
	runtimes []*Runtime
	spawned  []*Runtime
	spawns   []agent.Config
	err      error
}

// NewFactory builds a factory returning rts in order.
func NewFactory(rts ...*Runtime) *Factory {
	return &Factory{runtimes: rts}
}

// FailWith makes subsequent spawns return err.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New is the agent.Factory entry point.
func (f *Factory) New(_ context.Context, cfg agent.Config) (agent.Runtime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.spawns = append(f.spawns, cfg)

	var rt *Runtime
	if len(f.spawned) < len(f.runtimes) {
		rt = f.runtimes[len(f.spawned)]
	} else {
		rt = NewRuntime()
	}
	f.spawned = append(f.spawned, rt)
	return rt, nil
}

// SpawnCount returns how many runtimes were created.
func (f *Factory) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

// Spawns returns the configs passed to New, in order.
func (f *Factory) Spawns() []agent.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Config, len(f.spawns))
	copy(out, f.spawns)
	return out
}

// Runtime returns the i-th spawned runtime, or nil.
func (f *Factory) Runtime(i int) *Runtime {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.spawned) {
		return nil
	}
	return f.spawned[i]
}
