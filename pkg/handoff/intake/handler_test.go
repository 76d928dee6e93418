package intake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/logging"
	"github.com/nimbusio/handoff/pkg/handoff/store"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

func openRepo(t *testing.T) *store.BoltRepository {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "hints.db"), logging.New(nil))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestHandleStoresAndRepliesSuccessful(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openRepo(t)
	net := bus.NewMemoryNetwork()
	holder := net.Open("node-a")
	requester := net.Open("node-b")
	defer holder.Close()
	defer requester.Close()

	h := New(repo, holder, logging.New(nil))

	req := types.HintedHandoff{
		RequestID:  types.NewRequestID(),
		ReplyTopic: "handoff_server.node-b.reply.1",
		DestPeer:   "node-c",
		Timestamp:  time.Now().UTC(),
		AvatarID:   1,
		Key:        "k",
	}
	h.Handle(context.Background(), bus.Message{Body: wire.MarshalHintedHandoff(req)})

	select {
	case msg := <-requester.Listen():
		reply, err := wire.UnmarshalHintedHandoffReply(msg.Body)
		if err != nil {
			t.Fatalf("Unmarshal reply: %v", err)
		}
		if reply.Result != types.IntakeSuccessful {
			t.Fatalf("expected IntakeSuccessful, got %v", reply.Result)
		}
	case <-time.After(time.Second):
		t.Fatalf("requester never received a reply")
	}

	hint, ok, err := repo.NextHint("node-c", nil)
	if err != nil || !ok {
		t.Fatalf("expected a stored hint, ok=%v err=%v", ok, err)
	}
	if hint.Key != "k" {
		t.Fatalf("unexpected hint: %+v", hint)
	}
}

func TestHandleIgnoresMalformedBody(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := openRepo(t)
	net := bus.NewMemoryNetwork()
	holder := net.Open("node-a")
	defer holder.Close()

	h := New(repo, holder, logging.New(nil))
	h.Handle(context.Background(), bus.Message{Body: []byte{0xFF}})

	if dests, err := repo.Destinations(); err != nil || len(dests) != 0 {
		t.Fatalf("expected no hints stored from a malformed request, got %v (err %v)", dests, err)
	}
}
