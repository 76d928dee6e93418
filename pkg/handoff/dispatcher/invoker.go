// Package dispatcher implements the Message Dispatcher: the single event
// loop that owns the process lifecycle state machine, binds topics to
// handlers, and fans work out onto goroutines, one per spawned task
// with no upper bound on how many run at once. The loop
// selects on a done channel and a bus channel, spawning handling work
// through an Invoker instead of blocking the loop itself.
package dispatcher

import "sync"

// Invoker runs fire-and-forget work spawned by the dispatcher loop.
type Invoker interface {
	Spawn(f func())
	// Wait blocks until every spawned function has returned. Used on
	// shutdown to guarantee in-flight handler work completes before the
	// process exits (Draining state).
	Wait()
}

// PoolInvoker is the production Invoker: every Spawn is its own
// goroutine, tracked by a WaitGroup so Wait can block for drain.
type PoolInvoker struct {
	group sync.WaitGroup
}

func NewPoolInvoker() *PoolInvoker {
	return &PoolInvoker{}
}

func (p *PoolInvoker) Spawn(f func()) {
	p.group.Add(1)
	go func() {
		defer p.group.Done()
		f()
	}()
}

func (p *PoolInvoker) Wait() {
	p.group.Wait()
}

var _ Invoker = (*PoolInvoker)(nil)
