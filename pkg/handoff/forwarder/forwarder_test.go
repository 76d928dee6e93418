package forwarder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/liveness"
	"github.com/nimbusio/handoff/pkg/handoff/logging"
	"github.com/nimbusio/handoff/pkg/handoff/store"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

func setup(t *testing.T) (*store.BoltRepository, *bus.MemoryNetwork, *bus.MemoryBus, *liveness.Watcher) {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "hints.db"), logging.New(nil))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	net := bus.NewMemoryNetwork()
	self := net.Open("node-a")
	t.Cleanup(func() { _ = self.Close() })

	lw := liveness.New(logging.New(nil), time.Minute)
	return repo, net, self, lw
}

func TestForwarderDoesNotSendToDownPeer(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo, net, self, lw := setup(t)
	dest := net.Open("node-b")
	defer dest.Close()
	if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	fwd := New(repo, self, lw, nil, "node-a.reply", DefaultConfig(), logging.New(nil))
	fwd.Sweep(context.Background())

	select {
	case <-dest.Listen():
		t.Fatalf("forwarder must not send while the destination is believed down")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwarderSendsAndAcknowledgesOnSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo, net, self, lw := setup(t)
	dest := net.Open("node-b")
	defer dest.Close()

	lw.Observe("node-b", types.ProcessStatus{RoutingHeader: types.DataWriterRoutingHeader, Status: types.StatusStartup, Timestamp: time.Now()})
	if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	fwd := New(repo, self, lw, nil, "node-a.reply", DefaultConfig(), logging.New(nil))
	fwd.Sweep(context.Background())

	var sent types.ArchiveSegment
	select {
	case msg := <-dest.Listen():
		req, err := wire.UnmarshalArchiveSegment(msg.Body)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		sent = req
	case <-time.After(time.Second):
		t.Fatalf("destination never received the ArchiveSegment")
	}

	reply := types.ArchiveSegmentReply{RequestID: sent.RequestID, Result: types.ArchiveSuccessful}
	fwd.HandleReply(context.Background(), bus.Message{Body: wire.MarshalArchiveSegmentReply(reply)})

	if _, ok, err := repo.NextHint("node-b", nil); err != nil || ok {
		t.Fatalf("expected the hint to be acknowledged and gone, ok=%v err=%v", ok, err)
	}
}

func TestForwarderDefersOnTransientReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo, net, self, lw := setup(t)
	dest := net.Open("node-b")
	defer dest.Close()

	lw.Observe("node-b", types.ProcessStatus{RoutingHeader: types.DataWriterRoutingHeader, Status: types.StatusStartup, Timestamp: time.Now()})
	hintID, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	cfg := DefaultConfig()
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	fwd := New(repo, self, lw, nil, "node-a.reply", cfg, logging.New(nil))
	fwd.Sweep(context.Background())

	var reqID types.RequestID
	select {
	case msg := <-dest.Listen():
		req, _ := wire.UnmarshalArchiveSegment(msg.Body)
		reqID = req.RequestID
	case <-time.After(time.Second):
		t.Fatalf("destination never received the ArchiveSegment")
	}

	fwd.HandleReply(context.Background(), bus.Message{Body: wire.MarshalArchiveSegmentReply(types.ArchiveSegmentReply{RequestID: reqID, Result: types.ArchiveErrorTransient})})

	if h, ok, err := repo.NextHint("node-b", nil); err != nil || ok {
		t.Fatalf("expected the hint to be ineligible immediately after a transient defer, got ok=%v hint=%+v err=%v", ok, h, err)
	}

	time.Sleep(40 * time.Millisecond)
	h, ok, err := repo.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("expected the hint eligible again once backoff elapsed, ok=%v err=%v", ok, err)
	}
	if h.HintID != hintID || h.Attempts != 1 {
		t.Fatalf("unexpected hint after defer: %+v", h)
	}
}

func TestForwarderAcknowledgesOnPermanentRejection(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo, net, self, lw := setup(t)
	dest := net.Open("node-b")
	defer dest.Close()

	lw.Observe("node-b", types.ProcessStatus{RoutingHeader: types.DataWriterRoutingHeader, Status: types.StatusStartup, Timestamp: time.Now()})
	if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	fwd := New(repo, self, lw, nil, "node-a.reply", DefaultConfig(), logging.New(nil))
	fwd.Sweep(context.Background())

	var reqID types.RequestID
	select {
	case msg := <-dest.Listen():
		req, _ := wire.UnmarshalArchiveSegment(msg.Body)
		reqID = req.RequestID
	case <-time.After(time.Second):
		t.Fatalf("destination never received the ArchiveSegment")
	}

	fwd.HandleReply(context.Background(), bus.Message{Body: wire.MarshalArchiveSegmentReply(types.ArchiveSegmentReply{RequestID: reqID, Result: types.ArchiveErrorPermanent})})

	if dests, err := repo.Destinations(); err != nil || len(dests) != 0 {
		t.Fatalf("expected the permanently rejected hint to be dropped, got %v (err %v)", dests, err)
	}
}

func TestForwarderRespectsMaxInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo, net, self, lw := setup(t)
	dest := net.Open("node-b")
	defer dest.Close()

	lw.Observe("node-b", types.ProcessStatus{RoutingHeader: types.DataWriterRoutingHeader, Status: types.StatusStartup, Timestamp: time.Now()})
	for i := 0; i < 6; i++ {
		if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", uint64(i), 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.MaxInFlight = 2
	fwd := New(repo, self, lw, nil, "node-a.reply", cfg, logging.New(nil))
	fwd.Sweep(context.Background())

	received := 0
	seen := map[uint64]bool{}
	for {
		select {
		case msg := <-dest.Listen():
			req, err := wire.UnmarshalArchiveSegment(msg.Body)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if seen[req.VersionNumber] {
				t.Fatalf("hint version %d was sent more than once in a single drain pass", req.VersionNumber)
			}
			seen[req.VersionNumber] = true
			received++
		case <-time.After(100 * time.Millisecond):
			if received != 2 {
				t.Fatalf("expected exactly max_in_flight=2 sends, got %d", received)
			}
			if len(seen) != 2 {
				t.Fatalf("expected 2 distinct hints sent, got %v", seen)
			}
			return
		}
	}
}
