// Package agent defines the runtime contract the engine consumes: a
// subscribable producer of typed events with prompt/abort/setModel
// operations. Implementations live in subpackages; the engine never
// depends on how the agent actually runs.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/repolens/repolens/internal/common/logger"
)

// ErrClosed is returned by runtime operations after Close.
var ErrClosed = errors.New("agent runtime closed")

// Runtime is the handle the engine owns for one live agent.
//
// Prompt with steer=false starts a new turn and blocks until the turn
// completes, returning the turn's error. With steer=true the text is
// injected into the current turn and Prompt returns once it is enqueued.
type Runtime interface {
	Prompt(ctx context.Context, text string, steer bool) error
	Abort(ctx context.Context) error
	SetModel(ctx context.Context, modelID string) error

	// Subscribe registers an event sink and returns its cancel func.
	// Events are delivered in order, one sink call at a time.
	Subscribe(fn func(Event)) (cancel func())

	// Messages returns the full transcript so far (system, user,
	// assistant, tool), oldest first.
	Messages() []Message

	// SessionFile returns the runtime's resume handle, if any.
	SessionFile() string

	Close() error
}

// Config carries everything a factory needs to build a runtime.
type Config struct {
	// Command is the agent CLI binary; Args are appended verbatim.
	Command string
	Args    []string

	// Cwd is the source tree the agent explores.
	Cwd string

	Model    string
	Provider string
	APIKey   string

	// SessionDir is the engine's per-session directory. The runtime may
	// place its own artifacts (session file, scratch) there.
	SessionDir string

	// SessionFile resumes a previous runtime session when non-empty.
	SessionFile string

	Logger *logger.Logger
}

// Factory builds a new runtime. Called at start and again on every
// crash restart.
type Factory func(ctx context.Context, cfg Config) (Runtime, error)

// Content block types within messages.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one block of a message's content.
type ContentBlock struct {
	Type       string
	Text       string
	ToolCallID string
	ToolName   string
	Input      map[string]any
}

// Message is one transcript entry.
type Message struct {
	Role    string
	Content []ContentBlock
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// HasText reports whether any text block is non-empty.
func (m Message) HasText() bool {
	for _, b := range m.Content {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// HasToolUse reports whether the message contains a tool call.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}
