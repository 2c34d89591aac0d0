package validate

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/pkg/wire"
)

// Validation loop states.
type State string

const (
	StateNone       State = "none"
	StateValidating State = "validating"
	StateFixSent    State = "fix_sent"
	StateValidated  State = "validated"
	StateGaveUp     State = "gave_up"
)

// Sink receives the loop's outbound frames and fix prompts.
type Sink interface {
	Broadcast(frame any)
	DispatchFix(prompt string)
}

// Loop validates the rendered document after every doc_ready, requests
// fixes from the agent on failure, and gives up after maxAttempts fix
// rounds. At most one validation runs at a time; a doc_ready arriving
// mid-run queues exactly one re-run.
type Loop struct {
	validator   Validator
	maxAttempts int
	sink        Sink
	logger      *logger.Logger

	mu       sync.Mutex
	state    State
	attempt  int
	running  bool
	queued   bool
	stopped  bool
	htmlPath string
	mdPath   string
}

// NewLoop builds an idle loop.
func NewLoop(v Validator, maxAttempts int, sink Sink, log *logger.Logger) *Loop {
	if log == nil {
		log = logger.Default()
	}
	return &Loop{
		validator:   v,
		maxAttempts: maxAttempts,
		sink:        sink,
		logger:      log.WithComponent("validate"),
		state:       StateNone,
	}
}

// State returns the loop state and fix attempt count.
func (l *Loop) State() (State, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.attempt
}

// Stop discards any in-flight result, clears the validation state, and
// ignores further doc_ready calls until Reset.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.state = StateNone
	l.attempt = 0
}

// OnDocReady schedules validation of the rendered document.
func (l *Loop) OnDocReady(ctx context.Context, htmlPath, mdPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.htmlPath = htmlPath
	l.mdPath = mdPath
	if l.running {
		l.queued = true
		return
	}
	l.running = true
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	for {
		l.mu.Lock()
		if l.stopped {
			l.running = false
			l.mu.Unlock()
			return
		}
		l.state = StateValidating
		htmlPath, mdPath := l.htmlPath, l.mdPath
		l.mu.Unlock()

		l.validateOnce(ctx, htmlPath, mdPath)

		l.mu.Lock()
		if l.queued && !l.stopped {
			l.queued = false
			l.mu.Unlock()
			continue
		}
		l.running = false
		l.mu.Unlock()
		return
	}
}

func (l *Loop) validateOnce(ctx context.Context, htmlPath, mdPath string) {
	data, err := os.ReadFile(htmlPath)
	if err != nil {
		l.logger.Warn("cannot read rendered document", zap.Error(err))
		l.mu.Lock()
		if !l.stopped {
			l.state = StateNone
		}
		l.mu.Unlock()
		return
	}

	blocks := ExtractBlocks(string(data))
	l.sink.Broadcast(wire.NewValidationStart(len(blocks)))

	var failures []Failure
	for i, src := range blocks {
		if l.isStopped() {
			return
		}
		if err := l.validator.Validate(ctx, src); err != nil {
			failures = append(failures, NewFailure(i, src, err.Error()))
			l.sink.Broadcast(wire.NewValidationBlock(i, len(blocks), "error", err.Error()))
		} else {
			l.sink.Broadcast(wire.NewValidationBlock(i, len(blocks), "ok", ""))
		}
	}

	ok := len(failures) == 0
	l.sink.Broadcast(wire.NewValidationEnd(ok, len(failures), len(blocks)))

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	if ok {
		l.state = StateValidated
		l.attempt = 0
		l.mu.Unlock()
		l.sink.Broadcast(wire.NewDocValidated(htmlPath))
		l.logger.Info("document validated", zap.Int("blocks", len(blocks)))
		return
	}

	if l.attempt >= l.maxAttempts {
		l.state = StateGaveUp
		attempt := l.attempt
		l.mu.Unlock()
		l.sink.Broadcast(wire.NewValidationGaveUp(attempt))
		l.logger.Warn("validation gave up",
			zap.Int("attempt", attempt),
			zap.Int("failures", len(failures)))
		return
	}

	l.attempt++
	l.state = StateFixSent
	attempt := l.attempt
	l.mu.Unlock()

	l.sink.Broadcast(wire.NewValidationFixRequest(attempt, l.maxAttempts))
	l.sink.DispatchFix(BuildFixPrompt(failures, mdPath))
	l.logger.Info("fix prompt dispatched",
		zap.Int("attempt", attempt),
		zap.Int("failures", len(failures)))
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
