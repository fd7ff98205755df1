//go:build linux

package priorityscheduler

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PinnedThreadFactory is a ThreadFactory that additionally restricts
// each worker's OS thread to a single CPU, round-robining across the
// CPUs available to the process. Grounded on wpool's
// PinToCPU/affinity.go, generalized from a standalone function into a
// stateful factory so the scheduler can hand one out per worker
// without the caller tracking which CPU index comes next.
type PinnedThreadFactory struct {
	next atomic.Uint32
}

func newPinnedThreadFactory() *PinnedThreadFactory {
	return &PinnedThreadFactory{}
}

func (f *PinnedThreadFactory) NewWorker(name string, run func()) error {
	ncpu := runtime.NumCPU()
	cpuIdx := int(f.next.Add(1)-1) % ncpu

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var mask unix.CPUSet
		mask.Zero()
		mask.Set(cpuIdx)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			errCh <- fmt.Errorf("priorityscheduler: pin worker %q to cpu %d: %w", name, cpuIdx, err)
			return
		}
		errCh <- nil
		run()
	}()
	return <-errCh
}
