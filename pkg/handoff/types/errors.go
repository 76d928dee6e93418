package types

import "errors"

// Sentinel errors returned by the Hint Repository.
var (
	// ErrStorageFull is the error the intake handler answers with
	// IntakeErrorStorageFull. The bbolt repository sets no capacity limit
	// and never returns it; a failed write, a full disk included,
	// surfaces as ErrIOFailure.
	ErrStorageFull = errors.New("handoff: storage full")

	// ErrIOFailure is returned by store on a transient durability
	// failure (disk full, fsync error). Surfaced to the intake handler
	// so the originator retries, possibly against a different holding
	// peer.
	ErrIOFailure = errors.New("handoff: io failure")

	// ErrCorrupt is the reason recorded when a stored record fails to
	// decode while the repository is opened. The affected hint is
	// quarantined into the dead-letter bucket, not retried in place.
	ErrCorrupt = errors.New("handoff: corrupt record")

	// ErrClosed is returned by any repository operation once close has
	// completed.
	ErrClosed = errors.New("handoff: repository closed")

	// ErrNotFound names a hint_id that no longer exists. The bbolt
	// repository does not return it: acknowledge and defer of a missing
	// id return nil (idempotent).
	ErrNotFound = errors.New("handoff: hint not found")
)

// ErrorKind classifies a failure for the propagation policy: only storage
// errors cross the intake boundary to the originator, everything else
// stays internal and manifests only as delay.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindValidation
	ErrKindStorageTransient
	ErrKindStoragePermanent
	ErrKindPeerUnavailable
	ErrKindDestinationRejects
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindValidation:
		return "validation"
	case ErrKindStorageTransient:
		return "storage_transient"
	case ErrKindStoragePermanent:
		return "storage_permanent"
	case ErrKindPeerUnavailable:
		return "peer_unavailable"
	case ErrKindDestinationRejects:
		return "destination_rejects"
	default:
		return "none"
	}
}
