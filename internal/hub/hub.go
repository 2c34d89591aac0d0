// Package hub fans the engine's outbound frames out to every connected
// browser and replays the full frame history to late joiners.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/pkg/wire"
)

// InboundHandler receives parsed client messages.
type InboundHandler func(ctx context.Context, c *Client, msg wire.Inbound)

// Hub owns the client set and the replayable broadcast history. All
// mutation happens under one mutex; critical sections only enqueue,
// never touch the network.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	history []json.RawMessage

	dispatcher   InboundHandler
	initProvider func() any
	chatProvider func() []wire.ChatMessage

	logger *logger.Logger
}

// New returns an empty hub.
func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  log.WithComponent("hub"),
	}
}

// SetDispatcher installs the handler for inbound client messages.
func (h *Hub) SetDispatcher(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = fn
}

// SetInitProvider installs the builder of the init frame sent to every
// connecting client.
func (h *Hub) SetInitProvider(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initProvider = fn
}

// SetChatProvider installs the source of the recent chat history sent
// on connect.
func (h *Hub) SetChatProvider(fn func() []wire.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatProvider = fn
}

// Connect registers the client and queues, in order: the init frame,
// every history entry, and the recent chat history when non-empty.
// Frames broadcast after Connect returns are ordered after the replay.
func (h *Hub) Connect(c *Client) {
	// Providers reach back into the engine; call them before taking
	// the hub lock so lock order stays engine -> hub.
	h.mu.Lock()
	initProvider := h.initProvider
	chatProvider := h.chatProvider
	h.mu.Unlock()

	var initFrame []byte
	if initProvider != nil {
		data, err := json.Marshal(initProvider())
		if err != nil {
			h.logger.Error("failed to marshal init frame", zap.Error(err))
		} else {
			initFrame = data
		}
	}

	var chatFrame []byte
	if chatProvider != nil {
		if messages := chatProvider(); len(messages) > 0 {
			data, err := json.Marshal(wire.NewChatHistory(messages, false))
			if err != nil {
				h.logger.Error("failed to marshal chat history", zap.Error(err))
			} else {
				chatFrame = data
			}
		}
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	overflow := false
	if initFrame != nil && !c.enqueue(initFrame) {
		overflow = true
	}
	for _, entry := range h.history {
		if overflow {
			break
		}
		if !c.enqueue(entry) {
			overflow = true
		}
	}
	if !overflow && chatFrame != nil && !c.enqueue(chatFrame) {
		overflow = true
	}
	clientCount := len(h.clients)
	historyLen := len(h.history)
	h.mu.Unlock()

	if overflow {
		h.logger.Warn("client outbox overflow during replay", zap.String("client_id", c.ID))
		h.Disconnect(c)
		return
	}
	h.logger.Info("client connected",
		zap.String("client_id", c.ID),
		zap.Int("clients", clientCount),
		zap.Int("replayed", historyLen))
}

// Disconnect removes the client and closes its connection. Idempotent.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	delete(h.clients, c.ID)
	remaining := len(h.clients)
	h.mu.Unlock()

	c.close()
	if present {
		h.logger.Info("client disconnected",
			zap.String("client_id", c.ID),
			zap.Int("clients", remaining))
	}
}

// Broadcast marshals the frame once, appends it to the history, and
// queues it on every client. Clients with a full outbox are dropped.
func (h *Hub) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.history = append(h.history, data)
	var dropped []*Client
	for _, c := range h.clients {
		if !c.enqueue(data) {
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.logger.Warn("dropping slow client", zap.String("client_id", c.ID))
		h.Disconnect(c)
	}
}

// Reset clears the history; called on start and resume, not on crash.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HistoryLen reports the number of frames in the replay history.
func (h *Hub) HistoryLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// History returns a copy of the replay log, oldest first.
func (h *Hub) History() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]json.RawMessage, len(h.history))
	copy(out, h.history)
	return out
}

// CloseAll disconnects every client; used by stopAll.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// handleInbound parses one client frame and hands it to the
// dispatcher. Malformed frames are dropped.
func (h *Hub) handleInbound(ctx context.Context, c *Client, raw []byte) {
	msg, err := wire.ParseInbound(raw)
	if err != nil {
		h.logger.Debug("dropping malformed client frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	dispatcher := h.dispatcher
	h.mu.Unlock()
	if dispatcher == nil {
		return
	}
	dispatcher(ctx, c, msg)
}
