package priorityscheduler

import "runtime"

// ThreadFactory creates the goroutine that backs a worker. run is the
// worker's full loop function (park/assign/execute); NewWorker must
// arrange for it to execute on its own goroutine and return promptly,
// reporting only start-up failures (the goroutine itself never
// returns an error to its caller).
type ThreadFactory interface {
	NewWorker(name string, run func()) error
}

// goroutineThreadFactory is the default ThreadFactory. It gives every
// worker its own OS thread via runtime.LockOSThread, mirroring the
// one-goroutine-one-OS-thread affinity the original Worker class gets
// for free from the JVM's native thread model, without pinning that
// thread to any particular CPU.
type goroutineThreadFactory struct{}

func (goroutineThreadFactory) NewWorker(name string, run func()) error {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		run()
	}()
	return nil
}
