// Package forwarder implements the Handoff Forwarder: for every
// destination peer believed reachable, drains its durable hint queue at
// a bounded concurrency, sends ArchiveSegment requests, and resolves
// replies (or their absence) back into repository state. Backoff comes
// from github.com/jpillora/backoff, configured for full-jitter
// exponential retry.
package forwarder

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/liveness"
	"github.com/nimbusio/handoff/pkg/handoff/store"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

// Metrics is the subset of pkg/handoff/metrics this package depends on,
// kept as an interface here so forwarder tests don't need a Prometheus
// registry.
type Metrics interface {
	ObserveAttempt(dest types.PeerName)
	ObserveDeferred(dest types.PeerName)
	ObservePermanentRejection(dest types.PeerName)
	SetInFlight(dest types.PeerName, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(types.PeerName)            {}
func (noopMetrics) ObserveDeferred(types.PeerName)           {}
func (noopMetrics) ObservePermanentRejection(types.PeerName) {}
func (noopMetrics) SetInFlight(types.PeerName, int)          {}

type inFlightEntry struct {
	hintID types.HintID
	dest   types.PeerName
	sentAt time.Time
}

// Config bounds the forwarder's behavior.
type Config struct {
	MaxInFlight int
	AckTimeout  time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxInFlight: 4,
		AckTimeout:  30 * time.Second,
		BackoffMin:  10 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
}

// Forwarder is the per-node Handoff Forwarder.
type Forwarder struct {
	log      types.Logger
	repo     store.Repository
	busConn  bus.Bus
	liveness *liveness.Watcher
	metrics  Metrics
	cfg      Config

	replyTopic string

	mu       sync.Mutex
	inFlight map[types.RequestID]inFlightEntry
	perDest  map[types.PeerName]int
	backoffs map[types.PeerName]*backoff.Backoff
}

// New builds a Forwarder. replyTopic is the routing key this node binds
// so ArchiveSegmentReply messages addressed to it arrive at HandleReply.
func New(repo store.Repository, b bus.Bus, lw *liveness.Watcher, metrics Metrics, replyTopic string, cfg Config, log types.Logger) *Forwarder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultConfig().BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Forwarder{
		log:        log,
		repo:       repo,
		busConn:    b,
		liveness:   lw,
		metrics:    metrics,
		cfg:        cfg,
		replyTopic: replyTopic,
		inFlight:   make(map[types.RequestID]inFlightEntry),
		perDest:    make(map[types.PeerName]int),
		backoffs:   make(map[types.PeerName]*backoff.Backoff),
	}
}

func (f *Forwarder) backoffFor(dest types.PeerName) *backoff.Backoff {
	b, ok := f.backoffs[dest]
	if !ok {
		b = &backoff.Backoff{Min: f.cfg.BackoffMin, Max: f.cfg.BackoffMax, Factor: 2, Jitter: true}
		f.backoffs[dest] = b
	}
	return b
}

// Sweep is the periodic drive function: first expire anything that has
// outlived ack_timeout, then, for every destination with a live hint,
// attempt to fill its in-flight budget with new sends. Also serves as the
// startup recovery sweep when called once at boot.
func (f *Forwarder) Sweep(ctx context.Context) {
	f.expireTimedOut(ctx)

	destinations, err := f.repo.Destinations()
	if err != nil {
		f.log.Errorf("forwarder: listing destinations: %v", err)
		return
	}
	for _, dest := range destinations {
		f.drain(ctx, dest)
	}
}

func (f *Forwarder) drain(ctx context.Context, dest types.PeerName) {
	if !f.liveness.IsUp(dest) {
		return
	}
	for {
		f.mu.Lock()
		slot := f.perDest[dest] < f.cfg.MaxInFlight
		exclude := make(map[types.HintID]bool, len(f.inFlight))
		for _, entry := range f.inFlight {
			if entry.dest == dest {
				exclude[entry.hintID] = true
			}
		}
		f.mu.Unlock()
		if !slot {
			return
		}

		hint, ok, err := f.repo.NextHint(dest, exclude)
		if err != nil {
			f.log.Errorf("forwarder: next_hint(%s): %v", dest, err)
			return
		}
		if !ok {
			return
		}
		f.send(ctx, hint)
	}
}

func (f *Forwarder) send(ctx context.Context, hint types.Hint) {
	// The send's RequestID is the hint's HintID, held in the low 64 bits
	// of the 128-bit value.
	var reqID types.RequestID
	binary.BigEndian.PutUint64(reqID[8:], uint64(hint.HintID))
	msg := types.ArchiveSegment{
		RequestID:     reqID,
		ReplyTopic:    f.replyTopic,
		DestPeer:      hint.DestPeer,
		Timestamp:     hint.Timestamp,
		AvatarID:      hint.AvatarID,
		Key:           hint.Key,
		VersionNumber: hint.VersionNumber,
		SegmentNumber: hint.SegmentNumber,
		PayloadRef:    hint.PayloadRef,
	}

	f.mu.Lock()
	f.inFlight[reqID] = inFlightEntry{hintID: hint.HintID, dest: hint.DestPeer, sentAt: time.Now()}
	f.perDest[hint.DestPeer]++
	f.metrics.SetInFlight(hint.DestPeer, f.perDest[hint.DestPeer])
	f.mu.Unlock()

	f.metrics.ObserveAttempt(hint.DestPeer)
	body := wire.MarshalArchiveSegment(msg)
	if err := f.busConn.Unicast(ctx, types.DataWriterTopic(hint.DestPeer), hint.DestPeer, body); err != nil {
		f.log.Warnf("forwarder: send to %s failed: %v", hint.DestPeer, err)
		f.releaseInFlight(reqID)
		f.deferHint(hint.HintID, hint.DestPeer)
	}
}

// HandleReply resolves an ArchiveSegmentReply against the matching
// in-flight send.
func (f *Forwarder) HandleReply(ctx context.Context, msg bus.Message) {
	reply, err := wire.UnmarshalArchiveSegmentReply(msg.Body)
	if err != nil {
		f.log.Errorf("forwarder: malformed ArchiveSegmentReply on %q: %v", msg.RoutingKey, err)
		return
	}

	f.mu.Lock()
	entry, ok := f.inFlight[reply.RequestID]
	f.mu.Unlock()
	if !ok {
		f.log.Debugf("forwarder: reply %s has no matching in-flight send, ignoring", reply.RequestID)
		return
	}
	f.releaseInFlight(reply.RequestID)

	switch reply.Result {
	case types.ArchiveSuccessful:
		if err := f.repo.Acknowledge(entry.hintID); err != nil {
			f.log.Errorf("forwarder: acknowledge hint %d: %v", entry.hintID, err)
		}
		f.mu.Lock()
		f.backoffFor(entry.dest).Reset()
		f.mu.Unlock()
	case types.ArchiveErrorPermanent:
		f.metrics.ObservePermanentRejection(entry.dest)
		f.log.Errorf("forwarder: %s permanently rejected hint %d: %s", entry.dest, entry.hintID, reply.ErrorMessage)
		if err := f.repo.Acknowledge(entry.hintID); err != nil {
			f.log.Errorf("forwarder: dropping permanently rejected hint %d: %v", entry.hintID, err)
		}
	default: // ArchiveErrorNotReady, ArchiveErrorTransient
		f.deferHint(entry.hintID, entry.dest)
	}
}

func (f *Forwarder) expireTimedOut(_ context.Context) {
	now := time.Now()
	var timedOut []inFlightEntry

	f.mu.Lock()
	for reqID, entry := range f.inFlight {
		if now.Sub(entry.sentAt) > f.cfg.AckTimeout {
			timedOut = append(timedOut, entry)
			delete(f.inFlight, reqID)
			f.perDest[entry.dest]--
			f.metrics.SetInFlight(entry.dest, f.perDest[entry.dest])
		}
	}
	f.mu.Unlock()

	for _, entry := range timedOut {
		f.log.Warnf("forwarder: ack timeout waiting for %s on hint %d", entry.dest, entry.hintID)
		f.deferHint(entry.hintID, entry.dest)
	}
}

func (f *Forwarder) deferHint(id types.HintID, dest types.PeerName) {
	f.mu.Lock()
	delay := f.backoffFor(dest).Duration()
	f.mu.Unlock()

	f.metrics.ObserveDeferred(dest)
	if err := f.repo.Defer(id, delay); err != nil && !errors.Is(err, types.ErrClosed) {
		f.log.Errorf("forwarder: defer hint %d: %v", id, err)
	}
}

func (f *Forwarder) releaseInFlight(reqID types.RequestID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.inFlight[reqID]
	if !ok {
		return
	}
	delete(f.inFlight, reqID)
	f.perDest[entry.dest]--
	f.metrics.SetInFlight(entry.dest, f.perDest[entry.dest])
}
