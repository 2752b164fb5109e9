// Package lockfile guards a Mada state directory so that only one process
// dispatches calls from a given SQLite database.
//
// The lock is an flock on a file inside the directory and is released by the
// kernel when the process exits, gracefully or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "mada.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on stateDir, creating the directory if
// needed. It fails immediately with a *LockError when another process holds it.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := holderPID(lockPath)
		slog.Error("Lockfile.Acquire: state directory in use", "lock_path", lockPath, "holder_pid", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, HolderPID: holder, Cause: err}
	}

	// Only rewrite the pid once the lock is ours so a losing process never
	// clobbers the holder's record.
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
		if err != nil {
			slog.Warn("Lockfile.Acquire: failed to record pid", "lock_path", lockPath, "error", err)
		}
	}

	slog.Info("Lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release drops the lock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	os.Remove(l.path)
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("Lockfile.Release: released", "lock_path", l.path)
	return err
}

// LockError reports a state directory already held by another process.
type LockError struct {
	LockPath  string
	HolderPID int
	Cause     error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another Mada instance is using this state directory (lock file %s", e.LockPath)
	if e.HolderPID > 0 {
		state := "running"
		if !processRunning(e.HolderPID) {
			state = "not running, lock may be stale"
		}
		msg += fmt.Sprintf(", pid %d %s", e.HolderPID, state)
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// holderPID reads the pid recorded in the lock file, or 0.
func holderPID(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

func parsePID(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx == -1 {
		return 0
	}
	rest := content[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// processRunning probes pid with signal 0.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
