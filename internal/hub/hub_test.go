package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/pkg/wire"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// drain reads every frame already queued on the client outbox.
func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func frameType(t *testing.T, data []byte) string {
	t.Helper()
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.Fatalf("unparseable frame %s: %v", data, err)
	}
	return probe.Type
}

func TestConnectReplaysInOrder(t *testing.T) {
	h := New(newTestLogger())
	h.SetInitProvider(func() any {
		return map[string]any{"type": "init", "agentRunning": true}
	})
	h.SetChatProvider(func() []wire.ChatMessage {
		return []wire.ChatMessage{{Role: "user", Text: "hi"}}
	})

	h.Broadcast(wire.NewDocReady("/tmp/body.html"))
	h.Broadcast(wire.NewAgentStopped())

	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)

	frames := drain(c)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	wantTypes := []string{"init", "doc_ready", "agent_stopped", "chat_history"}
	for i, want := range wantTypes {
		if got := frameType(t, frames[i]); got != want {
			t.Errorf("frame[%d] type = %q, want %q", i, got, want)
		}
	}
}

func TestConnectSkipsEmptyChatHistory(t *testing.T) {
	h := New(newTestLogger())
	h.SetInitProvider(func() any { return map[string]any{"type": "init"} })
	h.SetChatProvider(func() []wire.ChatMessage { return nil })

	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)

	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want just init", len(frames))
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := New(newTestLogger())

	c1 := NewClient(nil, h, newTestLogger())
	c2 := NewClient(nil, h, newTestLogger())
	h.Connect(c1)
	h.Connect(c2)
	drain(c1)
	drain(c2)

	h.Broadcast(wire.NewDocReady("/x.html"))

	for i, c := range []*Client{c1, c2} {
		frames := drain(c)
		if len(frames) != 1 {
			t.Fatalf("client %d got %d frames, want 1", i, len(frames))
		}
		if got := frameType(t, frames[0]); got != "doc_ready" {
			t.Errorf("client %d frame type = %q", i, got)
		}
	}
	if h.HistoryLen() != 1 {
		t.Errorf("HistoryLen = %d, want 1", h.HistoryLen())
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := New(newTestLogger())
	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)

	// Nothing drains the outbox, so it eventually overflows.
	for i := 0; i < outboxSize+1; i++ {
		h.Broadcast(wire.NewDocReady("/x.html"))
	}

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0 after overflow", h.ClientCount())
	}
	select {
	case <-c.done:
	default:
		t.Error("dropped client was not closed")
	}
}

func TestHistorySurvivesClientChurn(t *testing.T) {
	h := New(newTestLogger())
	h.Broadcast(wire.NewDocReady("/a.html"))

	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)
	h.Disconnect(c)

	if h.HistoryLen() != 1 {
		t.Errorf("HistoryLen = %d, want 1", h.HistoryLen())
	}

	// A later client still gets the replay.
	c2 := NewClient(nil, h, newTestLogger())
	h.Connect(c2)
	frames := drain(c2)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestReset(t *testing.T) {
	h := New(newTestLogger())
	h.Broadcast(wire.NewDocReady("/a.html"))
	h.Broadcast(wire.NewDocReady("/b.html"))

	h.Reset()
	if h.HistoryLen() != 0 {
		t.Errorf("HistoryLen = %d after reset, want 0", h.HistoryLen())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := New(newTestLogger())
	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)

	h.Disconnect(c)
	h.Disconnect(c)

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
}

func TestHandleInboundDispatch(t *testing.T) {
	h := New(newTestLogger())

	var mu sync.Mutex
	var received []wire.Inbound
	h.SetDispatcher(func(_ context.Context, _ *Client, msg wire.Inbound) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	c := NewClient(nil, h, newTestLogger())
	h.Connect(c)

	h.handleInbound(context.Background(), c, []byte(`{"type":"prompt","text":"explain the hub"}`))
	h.handleInbound(context.Background(), c, []byte(`not json`))
	h.handleInbound(context.Background(), c, []byte(`{"text":"missing type"}`))

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(received))
	}
	if received[0].Type != wire.InboundPrompt || received[0].Text != "explain the hub" {
		t.Errorf("dispatched message = %+v", received[0])
	}
}

func TestSendFrameTargetsOneClient(t *testing.T) {
	h := New(newTestLogger())
	c1 := NewClient(nil, h, newTestLogger())
	c2 := NewClient(nil, h, newTestLogger())
	h.Connect(c1)
	h.Connect(c2)

	c1.SendFrame(wire.NewChatHistory([]wire.ChatMessage{{Role: "user", Text: "x"}}, true))

	if n := len(drain(c1)); n != 1 {
		t.Errorf("c1 got %d frames, want 1", n)
	}
	if n := len(drain(c2)); n != 0 {
		t.Errorf("c2 got %d frames, want 0", n)
	}
	if h.HistoryLen() != 0 {
		t.Errorf("SendFrame must not touch history, HistoryLen = %d", h.HistoryLen())
	}
}

func TestCloseAll(t *testing.T) {
	h := New(newTestLogger())
	c1 := NewClient(nil, h, newTestLogger())
	c2 := NewClient(nil, h, newTestLogger())
	h.Connect(c1)
	h.Connect(c2)

	h.CloseAll()

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
	for i, c := range []*Client{c1, c2} {
		select {
		case <-c.done:
		default:
			t.Errorf("client %d not closed", i)
		}
	}
}

// TestReplayOrdering_Properties checks that wherever a client joins in a
// broadcast sequence, it sees every frame exactly once, in order: the
// replayed history followed by the live remainder.
func TestReplayOrdering_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	type seqFrame struct {
		Type string `json:"type"`
		Seq  int    `json:"seq"`
	}

	properties.Property("late joiner sees the full sequence", prop.ForAll(
		func(total, joinAt int) bool {
			if joinAt > total {
				joinAt = total
			}
			h := New(newTestLogger())
			for i := 0; i < joinAt; i++ {
				h.Broadcast(seqFrame{Type: "seq", Seq: i})
			}

			c := NewClient(nil, h, newTestLogger())
			h.Connect(c)

			for i := joinAt; i < total; i++ {
				h.Broadcast(seqFrame{Type: "seq", Seq: i})
			}

			frames := drain(c)
			if len(frames) != total {
				return false
			}
			for i, data := range frames {
				var got seqFrame
				if err := json.Unmarshal(data, &got); err != nil || got.Seq != i {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 64),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
