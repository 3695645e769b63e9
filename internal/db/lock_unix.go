//go:build unix

package db

import (
	"errors"

	"golang.org/x/sys/unix"
)

func (l *writeLocker) tryLock() error {
	return unix.Flock(int(l.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *writeLocker) unlock() {
	if l.lockFile != nil {
		_ = unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	}
}

// processAlive probes pid with signal 0. EPERM still means the process exists.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
