package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrNoPidFile is returned when no engine has recorded itself for the
// repo.
var ErrNoPidFile = errors.New("no pid file")

// PidInfo records the running engine for external stop.
type PidInfo struct {
	PID  int   `json:"pid"`
	Port int   `json:"port"`
	Ts   int64 `json:"ts"`
}

func pidPath(targetPath string) string {
	return filepath.Join(targetPath, StateDirName, pidFileName)
}

// terminate delivers SIGTERM; replaced in tests.
var terminate = func(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// WritePidFile records this process and its port under the repo state
// dir.
func WritePidFile(targetPath string, port int) error {
	info := PidInfo{PID: os.Getpid(), Port: port, Ts: time.Now().UnixMilli()}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal pid info: %w", err)
	}
	dir := filepath.Join(targetPath, StateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(pidPath(targetPath), data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReadPidFile loads the recorded engine, if any.
func ReadPidFile(targetPath string) (PidInfo, error) {
	data, err := os.ReadFile(pidPath(targetPath))
	if err != nil {
		if os.IsNotExist(err) {
			return PidInfo{}, ErrNoPidFile
		}
		return PidInfo{}, fmt.Errorf("failed to read pid file: %w", err)
	}
	var info PidInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return PidInfo{}, fmt.Errorf("failed to parse pid file: %w", err)
	}
	return info, nil
}

// RemovePidFile deletes the pid file if present.
func RemovePidFile(targetPath string) error {
	err := os.Remove(pidPath(targetPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// StopExternal signals the engine recorded in the repo's pid file and
// removes the file. It reports whether a pid file was found. A recorded
// process that already exited counts as stopped.
func StopExternal(targetPath string) (bool, error) {
	info, err := ReadPidFile(targetPath)
	if errors.Is(err, ErrNoPidFile) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sigErr := terminate(info.PID)
	if removeErr := RemovePidFile(targetPath); removeErr != nil && sigErr == nil {
		sigErr = removeErr
	}
	if sigErr != nil && errors.Is(sigErr, os.ErrProcessDone) {
		sigErr = nil
	}
	return true, sigErr
}
