package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HintID is a monotonic local identifier assigned by the repository on
// insert. It never crosses process boundaries with meaning beyond this
// node; the wire-level correlation id for a forwarded send is the
// HintID itself, carried in the low 64 bits of ArchiveSegment's
// RequestID.
type HintID uint64

// PeerName is the opaque, cluster-wide symbolic identity of a peer. The
// mapping from a PeerName to a bus topic is a configuration concern,
// never derived from the name itself.
type PeerName string

// NaturalKey uniquely identifies a hinted segment. At most one live hint
// may exist per NaturalKey in the repository.
type NaturalKey struct {
	DestPeer      PeerName
	AvatarID      uint32
	Key           string
	VersionNumber uint64
	SegmentNumber uint8
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%d/%s/%d/%d", k.DestPeer, k.AvatarID, k.Key, k.VersionNumber, k.SegmentNumber)
}

// PayloadRef references the locally stored segment bytes backing a hint.
// It is opaque to the repository: either an inline blob small enough to
// keep alongside the hint record, or a handle into local segment
// storage (the external per-segment data writer/reader, out of scope
// for this subsystem).
type PayloadRef struct {
	Inline []byte
	Handle string
}

// Hint is the immutable-once-delivered record of an undelivered segment
// handoff. Only attempts and next_attempt_at are mutated in place, and
// only by the forwarder or by intake-side replacement.
type Hint struct {
	HintID        HintID
	DestPeer      PeerName
	Timestamp     time.Time
	AvatarID      uint32
	Key           string
	VersionNumber uint64
	SegmentNumber uint8
	PayloadRef    PayloadRef
	Attempts      uint32
	NextAttemptAt time.Time
}

// NaturalKey extracts the uniqueness tuple for this hint.
func (h Hint) NaturalKey() NaturalKey {
	return NaturalKey{
		DestPeer:      h.DestPeer,
		AvatarID:      h.AvatarID,
		Key:           h.Key,
		VersionNumber: h.VersionNumber,
		SegmentNumber: h.SegmentNumber,
	}
}

// RequestID is the correlation identifier carried on HintedHandoff,
// ArchiveSegment, and their replies. It is a uuid.UUID end to end,
// serialized on the wire as a plain 128-bit value.
type RequestID uuid.UUID

func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (r RequestID) String() string {
	return uuid.UUID(r).String()
}

// PeerStatus is the lifecycle state carried on a ProcessStatus event.
type PeerStatus int

const (
	StatusUnknown PeerStatus = iota
	StatusStartup
	StatusShutdown
	StatusHeartbeat
)

func (s PeerStatus) String() string {
	switch s {
	case StatusStartup:
		return "startup"
	case StatusShutdown:
		return "shutdown"
	case StatusHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Liveness is the in-memory, never-persisted state kept per peer.
// Created on first observation and retained for the process lifetime;
// on restart all peers start Down until an event is observed.
type Liveness int

const (
	LivenessDown Liveness = iota
	LivenessUp
)

// PeerState is the liveness watcher's per-peer bookkeeping.
type PeerState struct {
	Peer            PeerName
	LastSeenStatus  PeerStatus
	LastStatusTime  time.Time
	Liveness        Liveness
	DrainInProgress bool
}
