package sysx

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Retry re-invokes f for as long as it fails with EINTR — the standard
// idiom for wrapping syscalls that can be interrupted by a signal before
// completing. Every blocking syscall shmring's segment setup makes
// (statfs, openat, ftruncate, linkat) goes through this wrapper.
func Retry(f func() error) error {
	for {
		err := f()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Errno extracts the underlying unix.Errno from err, if any, for callers
// that need to branch on a specific syscall error number rather than a
// sentinel.
func Errno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
