package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/repolens/repolens/internal/session"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine started from this directory",
	Long: `Signal the engine recorded in this directory's pid file to shut down.
The engine stops its agent and web server and removes the pid file on
exit.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine pid and this directory's sessions",
	Long: `Report whether an engine is running for this directory and list its
persisted sessions. The access token is printed once by start and never
persisted, so status reads local state only.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStop(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	info, err := session.ReadPidFile(cwd)
	if errors.Is(err, session.ErrNoPidFile) {
		return fmt.Errorf("no engine is running here (no pid file under %s)",
			filepath.Join(cwd, session.StateDirName))
	}
	if err != nil {
		return err
	}

	stopped, err := session.StopExternal(cwd)
	if err != nil {
		return fmt.Errorf("failed to stop engine (pid %d): %w", info.PID, err)
	}
	if !stopped {
		// Removed between read and signal.
		return fmt.Errorf("no engine is running here (no pid file under %s)",
			filepath.Join(cwd, session.StateDirName))
	}

	fmt.Printf("sent stop signal to engine (pid %d, port %d)\n", info.PID, info.Port)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	info, err := session.ReadPidFile(cwd)
	switch {
	case errors.Is(err, session.ErrNoPidFile):
		fmt.Println("engine: not running")
	case err != nil:
		return err
	default:
		fmt.Printf("engine: running (pid %d, port %d, since %s)\n",
			info.PID, info.Port, time.UnixMilli(info.Ts).Format(time.RFC3339))
	}

	sessions, err := session.NewStore(cwd).LoadAll()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("sessions: none")
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Timestamp > sessions[j].Timestamp
	})

	fmt.Printf("sessions: %d\n\n", len(sessions))
	fmt.Printf("  %-10s %-8s %-22s %-20s %s\n", "ID", "DEPTH", "MODEL", "UPDATED", "DOC")
	for _, s := range sessions {
		doc := "-"
		if s.HTMLPath != "" {
			doc = "ready"
		}
		fmt.Printf("  %-10s %-8s %-22s %-20s %s\n",
			s.ID, s.Depth, s.Model,
			time.UnixMilli(s.Timestamp).Format("2006-01-02 15:04:05"), doc)
	}
	return nil
}
