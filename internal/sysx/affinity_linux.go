// Package sysx contains small Linux-specific boundary utilities used by
// shmring's endpoints and its benchmark binaries: CPU pinning and
// EINTR-retry. None of it sits on the ring's push/commit/pop hot path.
package sysx

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread
// and restricts that thread's scheduling to the single given CPU. The
// caller must keep calling runtime.LockOSThread's goroutine alive (never
// call UnlockOSThread) for as long as the pinning should hold — this is
// the same requirement the producer and consumer benchmarks in cmd/ rely
// on to get true parallelism on two distinct physical cores.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sysx: sched_setaffinity(cpu=%d): %w", cpu, err)
	}
	return nil
}
