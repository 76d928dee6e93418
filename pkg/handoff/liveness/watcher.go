// Package liveness implements the Peer-Liveness Watcher: pure observation
// of ProcessStatus broadcasts, turned into a per-peer up/down view the
// forwarder consults before attempting delivery. It never touches the
// Hint Repository. The state itself is a mutex-guarded map keyed by peer
// identity, written from one goroutine and read from another.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// Watcher tracks the last known ProcessStatus for every peer it has
// heard from, and derives Liveness from a dead_after timeout applied
// against the last status time.
type Watcher struct {
	log       types.Logger
	deadAfter time.Duration

	mu    sync.RWMutex
	peers map[types.PeerName]types.PeerState
}

func New(log types.Logger, deadAfter time.Duration) *Watcher {
	if deadAfter <= 0 {
		deadAfter = 120 * time.Second
	}
	return &Watcher{log: log, deadAfter: deadAfter, peers: make(map[types.PeerName]types.PeerState)}
}

// Observe records a ProcessStatus event and updates the emitting peer's
// liveness. Only events whose RoutingHeader identifies the peer's
// data-writer role are considered: that is the role the forwarder
// actually needs reachable, and the only one this watcher tracks.
// Startup and heartbeat mark the peer Up; shutdown marks it Down
// immediately rather than waiting for dead_after to elapse.
func (w *Watcher) Observe(peer types.PeerName, status types.ProcessStatus) {
	if status.RoutingHeader != types.DataWriterRoutingHeader {
		w.log.Debugf("liveness: ignoring %s status from %s with routing header %q", status.Status, peer, status.RoutingHeader)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	state := w.peers[peer]
	state.Peer = peer
	state.LastSeenStatus = status.Status
	state.LastStatusTime = status.Timestamp

	switch status.Status {
	case types.StatusShutdown:
		state.Liveness = types.LivenessDown
	default:
		state.Liveness = types.LivenessUp
	}
	w.peers[peer] = state
	w.log.Debugf("liveness: %s observed %s, now %v", peer, status.Status, state.Liveness)
}

// Sweep applies the dead_after timeout to every peer last seen via
// startup or heartbeat: if now - LastStatusTime exceeds deadAfter, the
// peer is marked Down. Intended to run on the dispatcher's tick.
func (w *Watcher) Sweep(_ context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for peer, state := range w.peers {
		if state.Liveness == types.LivenessUp && now.Sub(state.LastStatusTime) > w.deadAfter {
			state.Liveness = types.LivenessDown
			w.peers[peer] = state
			w.log.Warnf("liveness: %s declared down, silent for %s", peer, now.Sub(state.LastStatusTime))
		}
	}
}

// IsUp reports whether peer is currently believed reachable. Peers
// never observed are considered Down: on restart all peers start Down
// until an event is observed.
func (w *Watcher) IsUp(peer types.PeerName) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.peers[peer].Liveness == types.LivenessUp
}

// State returns a snapshot of everything known about peer.
func (w *Watcher) State(peer types.PeerName) types.PeerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.peers[peer]
}

// SetDrainInProgress marks that this peer is mid-forward. In-flight
// bookkeeping lives in the forwarder; the watcher retains this flag so
// an operator snapshot can see it alongside liveness.
func (w *Watcher) SetDrainInProgress(peer types.PeerName, draining bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := w.peers[peer]
	state.Peer = peer
	state.DrainInProgress = draining
	w.peers[peer] = state
}
