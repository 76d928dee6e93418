// Package store implements the Hint Repository: a durable, crash-safe,
// per-destination FIFO queue of hint records with dequeue-on-acknowledge
// semantics, backed by go.etcd.io/bbolt and keyed by destination node so
// each peer persists its own handoff queue locally rather than relying
// on the bus to retain anything.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

var (
	bucketHints       = []byte("hints")
	bucketNaturalKeys = []byte("natural_keys")
	bucketDeadLetter  = []byte("dead_letter")
)

// Repository is the Hint Repository's public contract.
type Repository interface {
	// Store inserts or replaces a hint. If a live hint already exists
	// for the natural key with a Timestamp >= ts, the incoming record is
	// ignored and the existing HintID is returned (idempotent insert).
	Store(dest types.PeerName, ts time.Time, avatarID uint32, key string, versionNumber uint64, segmentNumber uint8, payload types.PayloadRef) (types.HintID, error)

	// NextHint returns the oldest (by Timestamp, tiebreak HintID) hint
	// for dest whose NextAttemptAt <= now and whose HintID is not in
	// exclude, or (Hint{}, false, nil) if none is eligible. exclude lets
	// a caller skip hints it already has outstanding so repeated calls
	// during one drain pass advance the cursor instead of reselecting
	// the same head. Safe to call repeatedly; it does not mutate state.
	NextHint(dest types.PeerName, exclude map[types.HintID]bool) (types.Hint, bool, error)

	// Defer bumps next_attempt_at to now+delay and increments attempts.
	Defer(id types.HintID, delay time.Duration) error

	// Acknowledge removes the hint and releases its payload.
	// Idempotent: acknowledging an already-removed id is a no-op.
	Acknowledge(id types.HintID) error

	// Destinations returns every distinct dest_peer with at least one
	// live hint, used by the startup recovery sweep.
	Destinations() ([]types.PeerName, error)

	// Close flushes and releases the store. Subsequent operations fail
	// with types.ErrClosed.
	Close() error
}

// BoltRepository is the bbolt-backed Repository implementation.
//
// Layout:
//   - bucketHints: HintID (u64 BE) -> encoded Hint record.
//   - bucketNaturalKeys: NaturalKey.String() -> HintID (u64 BE), enforces
//     at most one live hint per natural key.
//   - bucketDeadLetter: HintID (u64 BE) -> encoded Hint record, for
//     entries that failed to decode when the repository was opened.
//
// next_hint(dest) scans bucketHints filtered to dest in ascending
// Timestamp order (an in-memory per-destination index built at Open and
// maintained incrementally), and returns the first entry whose
// NextAttemptAt <= now. Most hints are never deferred, so this is O(1)
// amortized for the common case and degrades gracefully (not
// catastrophically) under sustained transient failures to one
// destination, a trade-off recorded in DESIGN.md.
type BoltRepository struct {
	db     *bbolt.DB
	log    types.Logger
	mu     sync.Mutex
	closed bool

	// byDest mirrors bucketHints grouped by destination and kept sorted
	// by (Timestamp, HintID); it is an in-memory cursor rebuilt from the
	// durable store on Open and advisory only.
	byDest map[types.PeerName][]types.HintID
	byID   map[types.HintID]types.Hint
}

// Open creates or opens the bbolt file at path and rebuilds the
// in-memory destination index from its contents.
func Open(path string, log types.Logger) (*BoltRepository, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("handoff store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketHints, bucketNaturalKeys, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("handoff store: init buckets: %w", err)
	}

	r := &BoltRepository{
		db:     db,
		log:    log,
		byDest: make(map[types.PeerName][]types.HintID),
		byID:   make(map[types.HintID]types.Hint),
	}
	if err := r.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *BoltRepository) rebuildIndex() error {
	touched := make(map[types.PeerName]bool)
	var corruptIDs []types.HintID
	var corruptRaw [][]byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHints)
		return b.ForEach(func(k, v []byte) error {
			hint, err := decodeHint(v)
			if err != nil {
				r.log.Errorf("handoff store: corrupt hint record at key %x on open: %v", k, err)
				// Copied out: bbolt's k and v are only valid inside the
				// transaction. Quarantined once this read transaction ends.
				corruptIDs = append(corruptIDs, types.HintID(be8get(k)))
				corruptRaw = append(corruptRaw, append([]byte(nil), v...))
				return nil
			}
			r.byID[hint.HintID] = hint
			r.byDest[hint.DestPeer] = append(r.byDest[hint.DestPeer], hint.HintID)
			touched[hint.DestPeer] = true
			return nil
		})
	})
	if err != nil {
		return err
	}
	for i, id := range corruptIDs {
		if err := r.Quarantine(id, corruptRaw[i], types.ErrCorrupt); err != nil {
			return fmt.Errorf("handoff store: quarantine hint %d: %w", id, err)
		}
	}
	// bbolt.ForEach walks keys in HintID order, not Timestamp order: a
	// hint superseded in place keeps its original HintID but can carry a
	// newer Timestamp, so the index built above needs re-sorting before
	// NextHint's oldest-first contract holds again.
	for dest := range touched {
		r.sortDest(dest)
	}
	return nil
}

func (r *BoltRepository) sortDest(dest types.PeerName) {
	ids := r.byDest[dest]
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.byID[ids[i]], r.byID[ids[j]]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.HintID < b.HintID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	r.byDest[dest] = ids
}

func naturalKeyBytes(k types.NaturalKey) []byte {
	return []byte(k.String())
}

func hintIDBytes(id types.HintID) []byte {
	var b [8]byte
	be8(b[:], uint64(id))
	return b[:]
}

func be8(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func (r *BoltRepository) Store(dest types.PeerName, ts time.Time, avatarID uint32, key string, versionNumber uint64, segmentNumber uint8, payload types.PayloadRef) (types.HintID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, types.ErrClosed
	}

	nk := types.NaturalKey{DestPeer: dest, AvatarID: avatarID, Key: key, VersionNumber: versionNumber, SegmentNumber: segmentNumber}
	var resultID types.HintID
	var supersededID types.HintID
	var superseding, wrote bool

	err := r.db.Update(func(tx *bbolt.Tx) error {
		nkBucket := tx.Bucket(bucketNaturalKeys)
		hintsBucket := tx.Bucket(bucketHints)

		existingRaw := nkBucket.Get(naturalKeyBytes(nk))
		if existingRaw != nil {
			existingID := types.HintID(be8get(existingRaw))
			existingRecord := hintsBucket.Get(hintIDBytes(existingID))
			if existingRecord != nil {
				existing, err := decodeHint(existingRecord)
				if err == nil {
					if !ts.After(existing.Timestamp) {
						// Stale or equal timestamp: idempotent no-op,
						// the existing hint wins.
						resultID = existing.HintID
						return nil
					}
					supersededID = existing.HintID
					superseding = true
				}
			}
		}
		wrote = true

		var id types.HintID
		if superseding {
			id = supersededID
		} else {
			seq, err := hintsBucket.NextSequence()
			if err != nil {
				return fmt.Errorf("%w: %v", types.ErrIOFailure, err)
			}
			id = types.HintID(seq)
		}

		h := types.Hint{
			HintID:        id,
			DestPeer:      dest,
			Timestamp:     ts,
			AvatarID:      avatarID,
			Key:           key,
			VersionNumber: versionNumber,
			SegmentNumber: segmentNumber,
			PayloadRef:    payload,
			Attempts:      0,
			NextAttemptAt: ts,
		}
		if err := hintsBucket.Put(hintIDBytes(id), encodeHint(h)); err != nil {
			return fmt.Errorf("%w: %v", types.ErrIOFailure, err)
		}
		if err := nkBucket.Put(naturalKeyBytes(nk), hintIDBytes(id)); err != nil {
			return fmt.Errorf("%w: %v", types.ErrIOFailure, err)
		}
		resultID = id
		return nil
	})
	if err != nil {
		return 0, err
	}

	if wrote {
		r.byID[resultID] = types.Hint{
			HintID: resultID, DestPeer: dest, Timestamp: ts, AvatarID: avatarID,
			Key: key, VersionNumber: versionNumber, SegmentNumber: segmentNumber,
			PayloadRef: payload, NextAttemptAt: ts,
		}
		if !superseding {
			r.byDest[dest] = append(r.byDest[dest], resultID)
		}
		r.sortDest(dest)
	}

	return resultID, nil
}

func be8get(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}

func (r *BoltRepository) NextHint(dest types.PeerName, exclude map[types.HintID]bool) (types.Hint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return types.Hint{}, false, types.ErrClosed
	}

	now := time.Now()
	for _, id := range r.byDest[dest] {
		if exclude[id] {
			continue
		}
		h, ok := r.byID[id]
		if !ok {
			continue
		}
		if !h.NextAttemptAt.After(now) {
			return h, true, nil
		}
	}
	return types.Hint{}, false, nil
}

func (r *BoltRepository) Defer(id types.HintID, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return types.ErrClosed
	}

	h, ok := r.byID[id]
	if !ok {
		return nil // already gone: acknowledge raced defer, nothing to do
	}
	h.Attempts++
	h.NextAttemptAt = time.Now().Add(delay)

	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHints)
		return b.Put(hintIDBytes(id), encodeHint(h))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIOFailure, err)
	}
	r.byID[id] = h
	return nil
}

func (r *BoltRepository) Acknowledge(id types.HintID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return types.ErrClosed
	}

	h, ok := r.byID[id]
	if !ok {
		return nil // idempotent: already acknowledged
	}

	err := r.db.Update(func(tx *bbolt.Tx) error {
		hintsBucket := tx.Bucket(bucketHints)
		nkBucket := tx.Bucket(bucketNaturalKeys)
		if err := hintsBucket.Delete(hintIDBytes(id)); err != nil {
			return err
		}
		nk := naturalKeyBytes(h.NaturalKey())
		if existing := nkBucket.Get(nk); existing != nil && be8get(existing) == uint64(id) {
			if err := nkBucket.Delete(nk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIOFailure, err)
	}

	delete(r.byID, id)
	ids := r.byDest[h.DestPeer]
	for i, existing := range ids {
		if existing == id {
			r.byDest[h.DestPeer] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (r *BoltRepository) Destinations() ([]types.PeerName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, types.ErrClosed
	}
	out := make([]types.PeerName, 0, len(r.byDest))
	for dest, ids := range r.byDest {
		if len(ids) > 0 {
			out = append(out, dest)
		}
	}
	return out, nil
}

// QueueDepth reports how many live hints are held for dest, for metrics
// reporting; it does not filter by NextAttemptAt the way NextHint does.
func (r *BoltRepository) QueueDepth(dest types.PeerName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDest[dest])
}

// Quarantine moves a corrupt hint record aside into the dead-letter
// bucket so draining can continue past it.
func (r *BoltRepository) Quarantine(id types.HintID, raw []byte, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Errorf("handoff store: quarantining hint %d: %v", id, reason)
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDeadLetter).Put(hintIDBytes(id), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketHints).Delete(hintIDBytes(id))
	})
}

func (r *BoltRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func encodeHint(h types.Hint) []byte {
	w := wire.NewWriter()
	w.WriteUint64(uint64(h.HintID))
	_ = w.WriteString(string(h.DestPeer))
	w.WriteFloat64Seconds(float64(h.Timestamp.UnixNano()) / 1e9)
	w.WriteUint32(h.AvatarID)
	_ = w.WriteString(h.Key)
	w.WriteUint64(h.VersionNumber)
	w.WriteUint8(h.SegmentNumber)
	if h.PayloadRef.Handle != "" {
		w.WriteUint8(1)
		_ = w.WriteString(h.PayloadRef.Handle)
	} else {
		w.WriteUint8(0)
		_ = w.WriteBlob(h.PayloadRef.Inline)
	}
	w.WriteUint32(h.Attempts)
	w.WriteFloat64Seconds(float64(h.NextAttemptAt.UnixNano()) / 1e9)
	return w.Bytes()
}

func decodeHint(raw []byte) (types.Hint, error) {
	r := wire.NewReader(raw)
	var h types.Hint
	id, err := r.ReadUint64()
	if err != nil {
		return h, err
	}
	h.HintID = types.HintID(id)
	dest, err := r.ReadString()
	if err != nil {
		return h, err
	}
	h.DestPeer = types.PeerName(dest)
	ts, err := r.ReadFloat64Seconds()
	if err != nil {
		return h, err
	}
	h.Timestamp = time.Unix(0, int64(ts*1e9)).UTC()
	if h.AvatarID, err = r.ReadUint32(); err != nil {
		return h, err
	}
	if h.Key, err = r.ReadString(); err != nil {
		return h, err
	}
	if h.VersionNumber, err = r.ReadUint64(); err != nil {
		return h, err
	}
	if h.SegmentNumber, err = r.ReadUint8(); err != nil {
		return h, err
	}
	tag, err := r.ReadUint8()
	if err != nil {
		return h, err
	}
	if tag == 1 {
		handle, err := r.ReadString()
		if err != nil {
			return h, err
		}
		h.PayloadRef = types.PayloadRef{Handle: handle}
	} else {
		blob, err := r.ReadBlob()
		if err != nil {
			return h, err
		}
		h.PayloadRef = types.PayloadRef{Inline: blob}
	}
	if h.Attempts, err = r.ReadUint32(); err != nil {
		return h, err
	}
	nextAt, err := r.ReadFloat64Seconds()
	if err != nil {
		return h, err
	}
	h.NextAttemptAt = time.Unix(0, int64(nextAt*1e9)).UTC()
	return h, nil
}
