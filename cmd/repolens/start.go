package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repolens/repolens/internal/agent"
	"github.com/repolens/repolens/internal/agent/claudecli"
	"github.com/repolens/repolens/internal/common/config"
	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/common/tracing"
	"github.com/repolens/repolens/internal/credentials"
	"github.com/repolens/repolens/internal/engine"
	"github.com/repolens/repolens/internal/model"
	"github.com/repolens/repolens/internal/session"
)

var (
	flagDepth string
	flagScope []string
	flagModel string
	flagPort  int
)

var startCmd = &cobra.Command{
	Use:   "start [prompt]",
	Short: "Start exploring the current directory",
	Long: `Start the engine against the current directory. The agent begins a
depth-controlled exploration and writes a living document; the printed
URL serves the live UI. An optional prompt focuses the exploration.

The engine runs until SIGINT/SIGTERM or 'repolens stop'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the newest session in the current directory",
	Long: `Recover the most recent persisted session under ./.repolens and restart
the agent against its saved runtime session, keeping the document and
model choice.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	startCmd.Flags().StringVar(&flagDepth, "depth", session.DepthMedium, "Exploration depth: shallow, medium, or deep")
	startCmd.Flags().StringArrayVar(&flagScope, "path", nil, "Limit exploration to a subdirectory (repeatable)")
	startCmd.Flags().StringVar(&flagModel, "model", "", "Model id (defaults to the configured model)")
	startCmd.Flags().IntVar(&flagPort, "port", 0, "Base port for the web UI (scans upward when taken)")
	resumeCmd.Flags().IntVar(&flagPort, "port", 0, "Base port for the web UI (scans upward when taken)")
}

func runStart(cmd *cobra.Command, args []string) error {
	prompt := ""
	if len(args) == 1 {
		prompt = args[0]
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	modelID := flagModel
	if modelID == "" {
		modelID = cfg.Agent.Model
	}
	m, err := model.NewRegistry().Resolve(modelID)
	if err != nil {
		return err
	}

	e := engine.New(cfg, log, engine.Deps{Factory: claudecli.New})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := make(chan struct{})
	res, err := e.Start(ctx, engine.StartOptions{
		Cwd:     cwd,
		Prompt:  prompt,
		Scope:   flagScope,
		Depth:   flagDepth,
		Model:   m.ID,
		APIKey:  resolveAPIKey(m.Provider),
		OnReady: func() { close(ready) },
	})
	if err != nil {
		e.StopAll()
		return startError(err, m.Provider)
	}

	fmt.Printf("exploring %s (model %s, depth %s)\n", cwd, m.ID, flagDepth)
	return serve(ctx, e, res, ready)
}

func runResume(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	// Peek at the stored session for its provider; resume needs an API
	// key before the engine re-reads the session itself.
	sess, err := session.NewStore(cwd).Latest()
	if errors.Is(err, session.ErrNoSessions) {
		return fmt.Errorf("no sessions found under %s; run 'repolens start' first",
			filepath.Join(cwd, session.StateDirName))
	}
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	e := engine.New(cfg, log, engine.Deps{Factory: claudecli.New})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := make(chan struct{})
	res, err := e.Resume(ctx, engine.ResumeOptions{
		Cwd:     cwd,
		APIKey:  resolveAPIKey(sess.Provider),
		OnReady: func() { close(ready) },
	})
	if err != nil {
		e.StopAll()
		return startError(err, sess.Provider)
	}

	fmt.Printf("resuming session %s in %s (model %s, depth %s)\n", sess.ID, cwd, sess.Model, sess.Depth)
	return serve(ctx, e, res, ready)
}

// serve waits for the readiness gate, prints the session URL, and
// blocks until a signal arrives, then shuts the engine down.
func serve(ctx context.Context, e *engine.Engine, res engine.StartResult, ready <-chan struct{}) error {
	defer flushTracing()

	stopSpin := spin("waiting for the agent to start")
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		select {
		case <-ready:
			break wait
		case <-ctx.Done():
			stopSpin()
			e.Stop()
			e.StopAll()
			return nil
		case <-poll.C:
			st := e.State()
			if st.Phase == string(engine.PhaseFailed) {
				stopSpin()
				e.StopAll()
				return fmt.Errorf("agent failed before becoming ready; see %s",
					filepath.Join(st.TargetPath, session.StateDirName, res.SessionID, "agent.log"))
			}
		}
	}
	stopSpin()

	fmt.Printf("\n  %s\n\n", res.URL)
	fmt.Println("the document takes shape at the URL above as the agent works")
	fmt.Println("press Ctrl+C to stop, or run 'repolens stop' from the target directory")

	<-ctx.Done()
	fmt.Println("\nshutting down...")
	e.Stop()
	e.StopAll()
	return nil
}

// flushTracing drains any pending OTel spans before the process exits.
func flushTracing() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tracing.Shutdown(ctx)
}

// loadConfig reads configuration honoring --config and --port, then
// builds the root logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	if flagPort > 0 {
		cfg.Server.Port = flagPort
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// resolveAPIKey finds a key for the provider. Subscription logins work
// without one, so a miss is not fatal here; the agent reports auth
// failures itself.
func resolveAPIKey(provider string) string {
	path, err := credentials.DefaultPath()
	if err != nil {
		return ""
	}
	cred, err := credentials.NewStore(path).Resolve(provider)
	if err != nil {
		return ""
	}
	return cred.Value
}

// startError adds key guidance when the agent rejected our credentials.
func startError(err error, provider string) error {
	if agent.Classify(err) == agent.FailureAuth {
		return fmt.Errorf("%w\n\nrun 'repolens auth login %s' to store an API key", err, provider)
	}
	return err
}

// spin renders a small progress spinner on stderr until the returned
// stop function runs. Stop is safe to call more than once.
func spin(msg string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		frames := `|/-\`
		tick := time.NewTicker(120 * time.Millisecond)
		defer tick.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				fmt.Fprintf(os.Stderr, "\r%s\r", strings.Repeat(" ", len(msg)+2))
				return
			case <-tick.C:
				fmt.Fprintf(os.Stderr, "\r%c %s", frames[i%len(frames)], msg)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
