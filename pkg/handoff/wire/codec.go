package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// Message kind tags, carried as the routing_key suffix is not enough on
// its own (a single topic can carry both a request and a reply kind
// depending on direction); these are written as the first byte of every
// body so a generic listener can dispatch without parsing the rest.
const (
	KindHintedHandoff byte = iota + 1
	KindHintedHandoffReply
	KindArchiveSegment
	KindArchiveSegmentReply
	KindProcessStatus
)

func writeRequestID(w *Writer, id types.RequestID) {
	b := uuid.UUID(id)
	for _, by := range b {
		w.WriteUint8(by)
	}
}

func readRequestID(r *Reader) (types.RequestID, error) {
	var b [16]byte
	for i := range b {
		v, err := r.ReadUint8()
		if err != nil {
			return types.RequestID{}, err
		}
		b[i] = v
	}
	return types.RequestID(uuid.UUID(b)), nil
}

func writePayloadRef(w *Writer, p types.PayloadRef) error {
	if p.Handle != "" {
		w.WriteUint8(1)
		return w.WriteString(p.Handle)
	}
	w.WriteUint8(0)
	return w.WriteBlob(p.Inline)
}

func readPayloadRef(r *Reader) (types.PayloadRef, error) {
	tag, err := r.ReadUint8()
	if err != nil {
		return types.PayloadRef{}, err
	}
	if tag == 1 {
		h, err := r.ReadString()
		if err != nil {
			return types.PayloadRef{}, err
		}
		return types.PayloadRef{Handle: h}, nil
	}
	b, err := r.ReadBlob()
	if err != nil {
		return types.PayloadRef{}, err
	}
	return types.PayloadRef{Inline: b}, nil
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// MarshalHintedHandoff encodes a HintedHandoff request body.
func MarshalHintedHandoff(m types.HintedHandoff) []byte {
	w := NewWriter()
	w.WriteUint8(KindHintedHandoff)
	writeRequestID(w, m.RequestID)
	_ = w.WriteString(m.ReplyTopic)
	_ = w.WriteString(string(m.DestPeer))
	w.WriteFloat64Seconds(timeToSeconds(m.Timestamp))
	w.WriteUint32(m.AvatarID)
	_ = w.WriteString(m.Key)
	w.WriteUint64(m.VersionNumber)
	w.WriteUint8(m.SegmentNumber)
	_ = writePayloadRef(w, m.PayloadRef)
	return w.Bytes()
}

// UnmarshalHintedHandoff decodes a HintedHandoff request body.
func UnmarshalHintedHandoff(body []byte) (types.HintedHandoff, error) {
	r := NewReader(body)
	kind, err := r.ReadUint8()
	if err != nil {
		return types.HintedHandoff{}, err
	}
	if kind != KindHintedHandoff {
		return types.HintedHandoff{}, fmt.Errorf("wire: expected HintedHandoff kind %d, got %d", KindHintedHandoff, kind)
	}
	var m types.HintedHandoff
	if m.RequestID, err = readRequestID(r); err != nil {
		return m, err
	}
	if m.ReplyTopic, err = r.ReadString(); err != nil {
		return m, err
	}
	dest, err := r.ReadString()
	if err != nil {
		return m, err
	}
	m.DestPeer = types.PeerName(dest)
	seconds, err := r.ReadFloat64Seconds()
	if err != nil {
		return m, err
	}
	m.Timestamp = secondsToTime(seconds)
	if m.AvatarID, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Key, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.VersionNumber, err = r.ReadUint64(); err != nil {
		return m, err
	}
	if m.SegmentNumber, err = r.ReadUint8(); err != nil {
		return m, err
	}
	if m.PayloadRef, err = readPayloadRef(r); err != nil {
		return m, err
	}
	return m, nil
}

// MarshalHintedHandoffReply encodes a HintedHandoffReply body.
func MarshalHintedHandoffReply(m types.HintedHandoffReply) []byte {
	w := NewWriter()
	w.WriteUint8(KindHintedHandoffReply)
	writeRequestID(w, m.RequestID)
	w.WriteUint8(uint8(m.Result))
	_ = w.WriteString(m.ErrorMessage)
	return w.Bytes()
}

// UnmarshalHintedHandoffReply decodes a HintedHandoffReply body.
func UnmarshalHintedHandoffReply(body []byte) (types.HintedHandoffReply, error) {
	r := NewReader(body)
	kind, err := r.ReadUint8()
	if err != nil {
		return types.HintedHandoffReply{}, err
	}
	if kind != KindHintedHandoffReply {
		return types.HintedHandoffReply{}, fmt.Errorf("wire: expected HintedHandoffReply kind %d, got %d", KindHintedHandoffReply, kind)
	}
	var m types.HintedHandoffReply
	if m.RequestID, err = readRequestID(r); err != nil {
		return m, err
	}
	result, err := r.ReadUint8()
	if err != nil {
		return m, err
	}
	m.Result = types.IntakeResult(result)
	if m.ErrorMessage, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

// MarshalArchiveSegment encodes an ArchiveSegment request body.
func MarshalArchiveSegment(m types.ArchiveSegment) []byte {
	w := NewWriter()
	w.WriteUint8(KindArchiveSegment)
	writeRequestID(w, m.RequestID)
	_ = w.WriteString(m.ReplyTopic)
	_ = w.WriteString(string(m.DestPeer))
	w.WriteFloat64Seconds(timeToSeconds(m.Timestamp))
	w.WriteUint32(m.AvatarID)
	_ = w.WriteString(m.Key)
	w.WriteUint64(m.VersionNumber)
	w.WriteUint8(m.SegmentNumber)
	_ = writePayloadRef(w, m.PayloadRef)
	return w.Bytes()
}

// UnmarshalArchiveSegment decodes an ArchiveSegment request body.
func UnmarshalArchiveSegment(body []byte) (types.ArchiveSegment, error) {
	r := NewReader(body)
	kind, err := r.ReadUint8()
	if err != nil {
		return types.ArchiveSegment{}, err
	}
	if kind != KindArchiveSegment {
		return types.ArchiveSegment{}, fmt.Errorf("wire: expected ArchiveSegment kind %d, got %d", KindArchiveSegment, kind)
	}
	var m types.ArchiveSegment
	if m.RequestID, err = readRequestID(r); err != nil {
		return m, err
	}
	if m.ReplyTopic, err = r.ReadString(); err != nil {
		return m, err
	}
	dest, err := r.ReadString()
	if err != nil {
		return m, err
	}
	m.DestPeer = types.PeerName(dest)
	seconds, err := r.ReadFloat64Seconds()
	if err != nil {
		return m, err
	}
	m.Timestamp = secondsToTime(seconds)
	if m.AvatarID, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Key, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.VersionNumber, err = r.ReadUint64(); err != nil {
		return m, err
	}
	if m.SegmentNumber, err = r.ReadUint8(); err != nil {
		return m, err
	}
	if m.PayloadRef, err = readPayloadRef(r); err != nil {
		return m, err
	}
	return m, nil
}

// MarshalArchiveSegmentReply encodes an ArchiveSegmentReply body.
func MarshalArchiveSegmentReply(m types.ArchiveSegmentReply) []byte {
	w := NewWriter()
	w.WriteUint8(KindArchiveSegmentReply)
	writeRequestID(w, m.RequestID)
	w.WriteUint8(uint8(m.Result))
	_ = w.WriteString(m.ErrorMessage)
	return w.Bytes()
}

// UnmarshalArchiveSegmentReply decodes an ArchiveSegmentReply body.
func UnmarshalArchiveSegmentReply(body []byte) (types.ArchiveSegmentReply, error) {
	r := NewReader(body)
	kind, err := r.ReadUint8()
	if err != nil {
		return types.ArchiveSegmentReply{}, err
	}
	if kind != KindArchiveSegmentReply {
		return types.ArchiveSegmentReply{}, fmt.Errorf("wire: expected ArchiveSegmentReply kind %d, got %d", KindArchiveSegmentReply, kind)
	}
	var m types.ArchiveSegmentReply
	if m.RequestID, err = readRequestID(r); err != nil {
		return m, err
	}
	result, err := r.ReadUint8()
	if err != nil {
		return m, err
	}
	m.Result = types.ArchiveResult(result)
	if m.ErrorMessage, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

// MarshalProcessStatus encodes a ProcessStatus broadcast body.
func MarshalProcessStatus(m types.ProcessStatus) []byte {
	w := NewWriter()
	w.WriteUint8(KindProcessStatus)
	_ = w.WriteString(m.SourceTopic)
	_ = w.WriteString(m.RoutingHeader)
	w.WriteUint8(uint8(m.Status))
	w.WriteFloat64Seconds(timeToSeconds(m.Timestamp))
	return w.Bytes()
}

// UnmarshalProcessStatus decodes a ProcessStatus broadcast body.
func UnmarshalProcessStatus(body []byte) (types.ProcessStatus, error) {
	r := NewReader(body)
	kind, err := r.ReadUint8()
	if err != nil {
		return types.ProcessStatus{}, err
	}
	if kind != KindProcessStatus {
		return types.ProcessStatus{}, fmt.Errorf("wire: expected ProcessStatus kind %d, got %d", KindProcessStatus, kind)
	}
	var m types.ProcessStatus
	if m.SourceTopic, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.RoutingHeader, err = r.ReadString(); err != nil {
		return m, err
	}
	status, err := r.ReadUint8()
	if err != nil {
		return m, err
	}
	m.Status = types.PeerStatus(status)
	seconds, err := r.ReadFloat64Seconds()
	if err != nil {
		return m, err
	}
	m.Timestamp = secondsToTime(seconds)
	return m, nil
}

// PeekKind reports the message kind tag without fully decoding the body,
// so a generic dispatcher can route to the right Unmarshal* function.
func PeekKind(body []byte) (byte, error) {
	if len(body) == 0 {
		return 0, fmt.Errorf("wire: empty body")
	}
	return body[0], nil
}
