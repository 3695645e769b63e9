package db

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName   = "statesync.lock"
	defaultTimeout = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// writeLocker gives one node process exclusive ownership of a data
// directory. The OS drops the lock when the process exits, crashes included.
// tryLock, unlock and processAlive live in lock_unix.go and lock_windows.go.
type writeLocker struct {
	lockPath string
	lockFile *os.File
}

func newWriteLocker(dataDir string) *writeLocker {
	return &writeLocker{lockPath: filepath.Join(dataDir, lockFileName)}
}

// acquire polls for the lock with capped exponential backoff until timeout.
// The error names the current holder so a second node started on the same
// directory fails with something actionable.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	for backoff := initialBackoff; ; backoff = min(backoff*2, maxBackoff) {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("data dir lock timeout after %v\n  holder: %s\n  is another node running on this directory?", timeout, holder)
		}
		time.Sleep(backoff)
	}
}

func (l *writeLocker) release() error {
	if l.lockFile == nil {
		return nil
	}
	l.lockFile.Truncate(0)
	l.unlock()
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

// writeHolder records pid and start time for diagnostics
func (l *writeLocker) writeHolder() {
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	l.lockFile.Sync()
}

// readHolder describes whoever holds the lock, flagging dead pids
func (l *writeLocker) readHolder() string {
	f, err := os.Open(l.lockPath)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	fields := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":"); ok {
			fields[k] = v
		}
	}

	pid, since := fields["pid"], fields["time"]
	if pid == "" {
		return "unknown"
	}
	if n, err := strconv.Atoi(pid); err == nil && !processAlive(n) {
		return fmt.Sprintf("pid:%s since %s (stale, process gone)", pid, since)
	}
	return fmt.Sprintf("pid:%s since %s", pid, since)
}
