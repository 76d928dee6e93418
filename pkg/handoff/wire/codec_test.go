package wire

import (
	"testing"
	"time"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

func TestHintedHandoffRoundTrip(t *testing.T) {
	m := types.HintedHandoff{
		RequestID:     types.NewRequestID(),
		ReplyTopic:    "handoff_server.node-a.reply.1234",
		DestPeer:      "node-b",
		Timestamp:     time.Now().UTC().Truncate(time.Nanosecond),
		AvatarID:      42,
		Key:           "some/avatar/key",
		VersionNumber: 7,
		SegmentNumber: 2,
		PayloadRef:    types.PayloadRef{Inline: []byte("segment bytes")},
	}
	body := MarshalHintedHandoff(m)
	got, err := UnmarshalHintedHandoff(body)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.RequestID != m.RequestID || got.DestPeer != m.DestPeer || got.Key != m.Key {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
	if !got.Timestamp.Equal(m.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", got.Timestamp, m.Timestamp)
	}
}

func TestHintedHandoffReplyRoundTrip(t *testing.T) {
	m := types.HintedHandoffReply{RequestID: types.NewRequestID(), Result: types.IntakeErrorStorageFull, ErrorMessage: "disk full"}
	got, err := UnmarshalHintedHandoffReply(MarshalHintedHandoffReply(m))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestArchiveSegmentRoundTrip(t *testing.T) {
	m := types.ArchiveSegment{
		RequestID:     types.NewRequestID(),
		ReplyTopic:    "data_writer.node-a.reply",
		DestPeer:      "node-b",
		Timestamp:     time.Now().UTC().Truncate(time.Nanosecond),
		AvatarID:      1,
		Key:           "k",
		VersionNumber: 1,
		SegmentNumber: 0,
		PayloadRef:    types.PayloadRef{Handle: "segment-store-handle-9"},
	}
	got, err := UnmarshalArchiveSegment(MarshalArchiveSegment(m))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.PayloadRef.Handle != m.PayloadRef.Handle {
		t.Fatalf("payload handle mismatch: got %+v want %+v", got, m)
	}
}

func TestArchiveSegmentReplyRoundTrip(t *testing.T) {
	m := types.ArchiveSegmentReply{RequestID: types.NewRequestID(), Result: types.ArchiveErrorTransient, ErrorMessage: "timeout"}
	got, err := UnmarshalArchiveSegmentReply(MarshalArchiveSegmentReply(m))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestProcessStatusRoundTrip(t *testing.T) {
	m := types.ProcessStatus{
		SourceTopic:   "node-a",
		RoutingHeader: types.ProcessStatusTopic,
		Status:        types.StatusStartup,
		Timestamp:     time.Now().UTC().Truncate(time.Nanosecond),
	}
	got, err := UnmarshalProcessStatus(MarshalProcessStatus(m))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestPeekKindMatchesMarshaledKind(t *testing.T) {
	body := MarshalHintedHandoff(types.HintedHandoff{RequestID: types.NewRequestID()})
	kind, err := PeekKind(body)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	if kind != KindHintedHandoff {
		t.Fatalf("expected KindHintedHandoff, got %d", kind)
	}
}

func TestUnmarshalRejectsWrongKind(t *testing.T) {
	body := MarshalProcessStatus(types.ProcessStatus{})
	if _, err := UnmarshalHintedHandoff(body); err == nil {
		t.Fatalf("expected an error unmarshaling a ProcessStatus body as HintedHandoff")
	}
}
