package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/kellerow/modmount/pkg/modmount/logging"
)

// ErrAlreadyRunning is returned when another daemon instance holds the
// PID file and is still alive.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePIDFile writes the current process ID to a file.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile reads a PID from a file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	return os.Remove(path)
}

// IsProcessRunning checks whether a process with the given PID is alive.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// RecoverStale checks for and cleans up artifacts of a crashed daemon:
// the PID file and the journal's badger lock. Returns ErrAlreadyRunning
// when the recorded process is actually alive; nil when there was nothing
// to recover or recovery succeeded. Orphaned mounts are not handled here,
// reconciliation deals with those once a cycle starts.
func RecoverStale(pidPath, journalDir string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		// No PID file or an unreadable one means nothing to recover.
		return nil
	}

	if IsProcessRunning(pid) {
		return ErrAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up after crashed daemon", "stale_pid", pid)

	_ = os.Remove(pidPath)
	_ = os.Remove(filepath.Join(journalDir, "LOCK"))

	return nil
}
