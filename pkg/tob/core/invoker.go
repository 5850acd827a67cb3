// Package core holds the small cross-cutting pieces every other tob
// package depends on: the goroutine-spawning discipline (Invoker) used so
// tests can assert a peer leaves no goroutine running after Shutdown.
package core

import "sync"

// Invoker spawns a function as a tracked goroutine. A Peer owns exactly one
// Invoker and the goroutines it starts - the bus reader, the heartbeat/
// discovery emitters, the stream loops, the election campaigns - go
// through it. A stream.TCPTransport spawns its acceptor and per-connection
// readers through an Invoker of its own, which its Close waits on.
type Invoker interface {
	// Spawn runs f on a new goroutine tracked by this Invoker.
	Spawn(f func())

	// Stop blocks until every goroutine spawned through this Invoker has
	// returned. Callers must stop producing new work (cancel contexts,
	// close channels) before calling Stop, or it will never return.
	Stop()
}

// NewInvoker returns a fresh, independent Invoker. Each Peer gets its own
// so that multiple peers in one test process don't share a shutdown
// barrier.
func NewInvoker() Invoker {
	return &waitGroupInvoker{}
}

type waitGroupInvoker struct {
	group sync.WaitGroup
}

func (w *waitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

func (w *waitGroupInvoker) Stop() {
	w.group.Wait()
}
