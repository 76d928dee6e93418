package store

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nimbusio/handoff/pkg/handoff/logging"
	"github.com/nimbusio/handoff/pkg/handoff/types"
)

func openTestRepo(t *testing.T) *BoltRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hints.db")
	repo, err := Open(path, logging.New(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestStoreAndNextHint(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)

	now := time.Now().UTC()
	id, err := repo.Store("node-b", now, 42, "some/key", 1, 0, types.PayloadRef{Inline: []byte("payload")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero HintID")
	}

	h, ok, err := repo.NextHint("node-b", nil)
	if err != nil {
		t.Fatalf("NextHint: %v", err)
	}
	if !ok {
		t.Fatalf("expected an eligible hint")
	}
	if h.HintID != id || h.Key != "some/key" {
		t.Fatalf("unexpected hint: %+v", h)
	}

	if _, ok, err := repo.NextHint("node-c", nil); err != nil || ok {
		t.Fatalf("expected no hint for unrelated destination, got ok=%v err=%v", ok, err)
	}
}

func TestStoreSupersedesOnNewerTimestamp(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)

	t0 := time.Now().UTC()
	t1 := t0.Add(time.Second)

	firstID, err := repo.Store("node-b", t0, 1, "k", 1, 0, types.PayloadRef{Inline: []byte("old")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	secondID, err := repo.Store("node-b", t1, 1, "k", 1, 0, types.PayloadRef{Inline: []byte("new")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if secondID != firstID {
		t.Fatalf("expected the newer write to supersede in place, got %d != %d", secondID, firstID)
	}

	h, ok, err := repo.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("NextHint: ok=%v err=%v", ok, err)
	}
	if string(h.PayloadRef.Inline) != "new" {
		t.Fatalf("expected superseding payload, got %q", h.PayloadRef.Inline)
	}

	dests, err := repo.Destinations()
	if err != nil {
		t.Fatalf("Destinations: %v", err)
	}
	if len(dests) != 1 {
		t.Fatalf("expected exactly one destination after supersede, got %v", dests)
	}
}

func TestStoreIgnoresStaleWrite(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)

	t1 := time.Now().UTC()
	t0 := t1.Add(-time.Second)

	id, err := repo.Store("node-b", t1, 1, "k", 1, 0, types.PayloadRef{Inline: []byte("current")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	staleID, err := repo.Store("node-b", t0, 1, "k", 1, 0, types.PayloadRef{Inline: []byte("stale")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if staleID != id {
		t.Fatalf("expected stale write to resolve to existing id %d, got %d", id, staleID)
	}

	h, ok, err := repo.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("NextHint: ok=%v err=%v", ok, err)
	}
	if string(h.PayloadRef.Inline) != "current" {
		t.Fatalf("stale write must not overwrite the current hint, got %q", h.PayloadRef.Inline)
	}
}

func TestDeferPostponesEligibility(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)

	id, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := repo.Defer(id, time.Hour); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	if _, ok, err := repo.NextHint("node-b", nil); err != nil || ok {
		t.Fatalf("expected deferred hint to be ineligible, ok=%v err=%v", ok, err)
	}

	if err := repo.Defer(id, -time.Hour); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	h, ok, err := repo.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("expected hint eligible again after its backoff elapsed, ok=%v err=%v", ok, err)
	}
	if h.Attempts != 2 {
		t.Fatalf("expected two deferrals to be recorded as attempts, got %d", h.Attempts)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)

	id, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := repo.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := repo.Acknowledge(id); err != nil {
		t.Fatalf("second Acknowledge should be a no-op, got: %v", err)
	}

	if _, ok, err := repo.NextHint("node-b", nil); err != nil || ok {
		t.Fatalf("expected no hints after acknowledge, ok=%v err=%v", ok, err)
	}
	dests, err := repo.Destinations()
	if err != nil {
		t.Fatalf("Destinations: %v", err)
	}
	if len(dests) != 0 {
		t.Fatalf("expected no destinations left, got %v", dests)
	}
}

func TestRepositoryRebuildsIndexOnReopen(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "hints.db")

	repo, err := Open(path, logging.New(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, logging.New(nil))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	h, ok, err := reopened.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("expected hint to survive reopen, ok=%v err=%v", ok, err)
	}
	if h.Key != "k" {
		t.Fatalf("unexpected hint after reopen: %+v", h)
	}
}

func TestRebuildIndexPreservesOldestFirstOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "hints.db")
	now := time.Now().UTC()

	repo, err := Open(path, logging.New(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Store "later" before "earlier" so the later hint gets the smaller
	// HintID: bbolt's bucket iteration order (by HintID) disagrees with
	// Timestamp order here, which is exactly what would let a rebuild
	// that skips sorting return the wrong hint first.
	if _, err := repo.Store("node-b", now.Add(time.Minute), 1, "later", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store later: %v", err)
	}
	if _, err := repo.Store("node-b", now, 1, "earlier", 1, 0, types.PayloadRef{Inline: []byte("x")}); err != nil {
		t.Fatalf("Store earlier: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, logging.New(nil))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	h, ok, err := reopened.NextHint("node-b", nil)
	if err != nil || !ok {
		t.Fatalf("expected a hint after reopen, ok=%v err=%v", ok, err)
	}
	if h.Key != "earlier" {
		t.Fatalf("expected the oldest-by-timestamp hint first after reopen, got %+v", h)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openTestRepo(t)
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := repo.Store("node-b", time.Now().UTC(), 1, "k", 1, 0, types.PayloadRef{}); err != types.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
