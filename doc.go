// Package priorityscheduler provides a concurrent task execution pool
// with an elastic core/max worker count, two priority lanes, and a
// key-affinity distributor layered on top.
//
// Design goals
//
// The package is built around the following principles:
//
//   - Two priority lanes (High, Low), each delay-ordered, so a task
//     can be scheduled for "now" or for some point in the future
//     without a separate timer subsystem.
//   - The pool grows from a core size up to a max size on demand, and
//     idle workers above core retire after a configurable keep-alive.
//   - Low-priority tasks prefer reusing an already-warm worker over
//     forcing the pool to grow, because the entire point of the low
//     priority lane is to avoid paying for extra worker goroutines
//     when the work can wait.
//   - High-priority tasks never starve low-priority tasks outright;
//     the fairness rule makes a low-priority task wait at most once,
//     for the amount by which its own queueing delay exceeds that of
//     the most recently delayed high-priority task, and then lets it
//     proceed.
//
// Architecture overview
//
// The pool is composed of three loosely coupled layers:
//
//  1. Queueing (delayQueue)
//     Each priority lane owns one delay-ordered heap. Items carry a
//     deadline that can change after insertion (recurring tasks), so
//     the queue supports repositioning an already-queued item under
//     its own lock rather than only insert/remove.
//
//  2. Dispatch (Scheduler)
//     A single long-lived consumer goroutine per priority lane pulls
//     the next due item and hands it to a worker, growing or reusing
//     the pool as the admission rules in this package describe.
//
//  3. Worker execution
//     Each worker owns one goroutine parked between assignments. A
//     worker runs exactly one task at a time to completion; panics
//     inside user tasks are recovered and forwarded to an uncaught
//     handler rather than killing the worker.
//
// Key affinity
//
// KeyDistributor sits on top of a Scheduler (or anything satisfying
// Submitter) and guarantees that tasks submitted under the same key
// run strictly in submission order, never concurrently with each
// other, and on a single goroutine for as long as that key has
// pending work -- without dedicating a goroutine to every key. This is
// achieved by maintaining one FIFO backlog per key behind a striped
// lock, and submitting the backlog's drain loop itself as a single
// ordinary task to the underlying scheduler.
//
// Error handling
//
// The pool distinguishes between argument errors (surfaced
// immediately, never mutate state), rejected submissions (after
// shutdown), and user-task failures (recovered, forwarded to an
// uncaught handler, never propagated into the pool's own goroutines).
//
// Intended use cases
//
// priorityscheduler is well suited for in-process task execution where
// some work is urgent and some is best-effort, and where a caller
// wants ordering/affinity guarantees for a group of related tasks
// (for example, all operations against one account, connection, or
// aggregate) without hand-rolling a per-key goroutine.
package priorityscheduler
