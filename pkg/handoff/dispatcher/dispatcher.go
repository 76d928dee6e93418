package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// State is the process lifecycle state machine.
type State int

const (
	Init State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "init"
	}
}

// Handler processes one inbound message. Handlers run on the Invoker's
// pool, never on the dispatch loop goroutine itself.
type Handler func(ctx context.Context, msg bus.Message)

type binding struct {
	prefix  string
	handler Handler
}

type ticker struct {
	interval time.Duration
	fn       func(ctx context.Context)
	last     time.Time
}

// Dispatcher is the Message Dispatcher: one goroutine owns routing table
// lookup and tick scheduling, everything else runs off the Invoker.
type Dispatcher struct {
	log     types.Logger
	bus     bus.Bus
	invoker Invoker

	mu       sync.RWMutex
	state    State
	bindings []binding
	tickers  []ticker

	tickInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Dispatcher bound to b. tickInterval governs how often
// registered OnTick callbacks are polled; a forwarder sweep on roughly a
// 5 second cadence is typical.
func New(b bus.Bus, invoker Invoker, log types.Logger, tickInterval time.Duration) *Dispatcher {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:          log,
		bus:          b,
		invoker:      invoker,
		state:        Init,
		tickInterval: tickInterval,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Bind registers handler for every inbound message whose routing key
// starts with prefix. Every binding whose prefix matches fires, each
// spawned in registration order.
func (d *Dispatcher) Bind(prefix string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{prefix: prefix, handler: handler})
}

// OnTick registers fn to run at most once per interval, checked against
// the dispatcher's own tick cadence; interval is rounded up to the
// nearest multiple of tickInterval.
func (d *Dispatcher) OnTick(interval time.Duration, fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickers = append(d.tickers, ticker{interval: interval, fn: fn})
}

func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run starts the dispatch loop and blocks until ctx or Shutdown ends it.
func (d *Dispatcher) Run() {
	d.setState(Running)
	defer close(d.done)
	defer d.log.Debugf("dispatcher loop exiting")

	clock := time.NewTicker(d.tickInterval)
	defer clock.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.bus.Listen():
			if !ok {
				return
			}
			d.route(msg)
		case now := <-clock.C:
			d.fireTickers(now)
		}
	}
}

func (d *Dispatcher) route(msg bus.Message) {
	d.mu.RLock()
	matches := make([]Handler, 0, 1)
	for _, b := range d.bindings {
		if strings.HasPrefix(msg.RoutingKey, b.prefix) {
			matches = append(matches, b.handler)
		}
	}
	d.mu.RUnlock()

	if len(matches) == 0 {
		d.log.Warnf("dispatcher: no binding for routing key %q", msg.RoutingKey)
		return
	}
	for _, h := range matches {
		handler := h
		d.invoker.Spawn(func() {
			handler(d.ctx, msg)
		})
	}
}

func (d *Dispatcher) fireTickers(now time.Time) {
	d.mu.Lock()
	due := make([]func(context.Context), 0, len(d.tickers))
	for i := range d.tickers {
		t := &d.tickers[i]
		if now.Sub(t.last) >= t.interval {
			t.last = now
			due = append(due, t.fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range due {
		f := fn
		d.invoker.Spawn(func() {
			f(d.ctx)
		})
	}
}

// Shutdown moves the dispatcher through Draining to Stopped, waiting for
// in-flight handler work (spawned via the Invoker) to finish before
// returning.
func (d *Dispatcher) Shutdown() {
	d.setState(Draining)
	d.cancel()
	<-d.done
	d.invoker.Wait()
	d.setState(Stopped)
}
