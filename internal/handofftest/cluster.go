// Package handofftest provides shared test scaffolding, mirroring the
// teacher's test/testing.go: an in-memory stand-in for the transport
// (TestInvoker there, MemoryBus/MemoryNetwork here) and cluster-of-peers
// builders (CreateCluster there, NewCluster here) so package tests and
// the top-level fuzzy/ scenarios don't each reimplement wiring.
package handofftest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/config"
	"github.com/nimbusio/handoff/pkg/handoff/logging"
	"github.com/nimbusio/handoff/pkg/handoff/server"
	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// Peer bundles one running Server with the network handle tests need to
// poke at it directly (e.g. killing a peer's bus to simulate a crash).
type Peer struct {
	Name   types.PeerName
	Server *server.Server
	Bus    *bus.MemoryBus
	Log    types.Logger
}

// Cluster is a set of wired, started Peer processes sharing one
// MemoryNetwork, plus the means to tear them all down cleanly.
type Cluster struct {
	T       *testing.T
	Network *bus.MemoryNetwork
	Peers   map[types.PeerName]*Peer
}

// NewCluster builds n peers named prefix-0..prefix-N-1, each with its own
// bbolt file under t.TempDir(), wired to a shared MemoryNetwork, and
// starts every one of them. Call Shutdown (or rely on t.Cleanup) to stop.
func NewCluster(t *testing.T, n int, prefix string) *Cluster {
	t.Helper()
	network := bus.NewMemoryNetwork()
	c := &Cluster{T: t, Network: network, Peers: make(map[types.PeerName]*Peer)}

	for i := 0; i < n; i++ {
		name := types.PeerName(fmt.Sprintf("%s-%d", prefix, i))
		c.addPeer(name)
	}

	t.Cleanup(c.Shutdown)
	return c
}

func (c *Cluster) addPeer(name types.PeerName) {
	t := c.T
	log := logging.New(nil)
	cfg := config.Config{
		NodeName:     name,
		StateDir:     filepath.Join(t.TempDir(), string(name)),
		MaxInFlight:  4,
		AckTimeout:   2 * time.Second,
		DeadAfter:    5 * time.Second,
		TickInterval: 50 * time.Millisecond,
	}

	memBus := c.Network.Open(name)
	srv, err := server.New(cfg, memBus, log, nil)
	if err != nil {
		t.Fatalf("handofftest: building peer %s: %v", name, err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("handofftest: starting peer %s: %v", name, err)
	}

	c.Peers[name] = &Peer{Name: name, Server: srv, Bus: memBus, Log: log}
}

// Kill stops a peer's bus without a clean ProcessStatus shutdown
// broadcast, simulating a crash: other peers only notice via dead_after.
func (c *Cluster) Kill(name types.PeerName) {
	p, ok := c.Peers[name]
	if !ok {
		return
	}
	_ = p.Bus.Close()
	delete(c.Peers, name)
}

// Shutdown stops every remaining peer cleanly.
func (c *Cluster) Shutdown() {
	for name, p := range c.Peers {
		_ = p.Server.Shutdown(context.Background())
		delete(c.Peers, name)
	}
}

// WaitThisOrTimeout runs cb in a goroutine and reports whether it
// finished before duration elapsed. Grounded on test/testing.go's
// function of the same name.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// Eventually polls cond every interval until it returns true or timeout
// elapses, returning the final result.
func Eventually(cond func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
