package mastering

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/meridian-db/meridian/core/txn"
)

// RemasterChange records one key's ownership move for the applied-effect
// report.
type RemasterChange struct {
	Key       string
	OldMaster uint32
	NewMaster uint32
	Counter   uint32
	LockOnly  bool
}

// AppliedEffect describes what a successful ValidateAndApply changed on
// this partition.
type AppliedEffect struct {
	Partition uint32
	Writes    []string
	Deletes   []string
	Remasters []RemasterChange
}

// ValidateAndApply fences and applies this partition's portion of a
// transaction.
//
// All of the partition's keys are locked in sorted order, every key is
// fenced against the metadata the transaction was dispatched with, and
// only then is anything applied. The fencing check and the application
// are therefore atomic per key. On any failure the transaction is aborted
// with a reason naming the failure kind and an error from the taxonomy in
// core/txn is returned; the caller re-routes, retries or gives up per its
// own policy.
//
// A successful return does not commit the transaction: commit is the
// coordinator's decision once every involved partition has applied.
func (s *Store) ValidateAndApply(t *txn.Transaction) (*AppliedEffect, error) {
	if t.Status() != txn.StatusNotStarted {
		return nil, txn.ErrTxnFinalized
	}

	owned := s.ownedKeys(t)
	if len(owned) == 0 {
		// Nothing of this transaction lives here; a correct pipeline does
		// not route such a transaction to this partition.
		return nil, s.abort(t, fmt.Errorf("%w: no key of txn %d belongs to partition %d",
			txn.ErrMalformedTransaction, t.Internal.ID, s.partition))
	}

	remaster := t.Remaster()

	// Per-key mutation regions, acquired in sorted order. TryLock instead
	// of Lock: contention is the pipeline's problem to schedule around.
	locked := make([]*entry, 0, len(owned))
	unlock := func() {
		for _, e := range locked {
			e.mu.Unlock()
		}
	}
	for _, key := range owned {
		e := s.slot(key)
		if !e.mu.TryLock() {
			unlock()
			s.metrics.LockConflict()
			return nil, s.abort(t, fmt.Errorf("%w: key %q of txn %d", txn.ErrLockConflict, key, t.Internal.ID))
		}
		locked = append(locked, e)
	}
	defer unlock()

	// Fence every key before touching any of them.
	for i, key := range owned {
		if err := s.fence(t, remaster, key, locked[i]); err != nil {
			return nil, s.abort(t, err)
		}
	}

	effect := &AppliedEffect{Partition: s.partition}
	if remaster != nil {
		s.applyRemaster(t, remaster, owned, locked, effect)
		return effect, nil
	}
	if err := s.applyWrites(t, owned, locked, effect); err != nil {
		return nil, s.abort(t, err)
	}
	return effect, nil
}

// ownedKeys returns the sorted set of transaction keys (written, read or
// deleted) that live on this partition.
func (s *Store) ownedKeys(t *txn.Transaction) []string {
	seen := make(map[string]struct{})
	var owned []string
	add := func(key string) {
		if !s.Owns(key) {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		owned = append(owned, key)
	}
	for key := range t.Keys {
		add(key)
	}
	for _, key := range t.DeletedKeys {
		add(key)
	}
	sort.Strings(owned)
	return owned
}

// fence validates one key's dispatch metadata against its live version.
// Caller holds the key's mutation region.
func (s *Store) fence(t *txn.Transaction, remaster *txn.RemasterProcedure, key string, e *entry) error {
	ve, ok := t.Keys[key]
	if !ok {
		// Deleted-only key: fenced implicitly by the per-key lock. The
		// dispatch snapshot carries no metadata to compare.
		return nil
	}
	if ve.Metadata == nil {
		return fmt.Errorf("%w: key %q of txn %d has no dispatch metadata", txn.ErrMalformedTransaction, key, t.Internal.ID)
	}
	expected := *ve.Metadata
	current := txn.MasterMetadata{Master: e.ver.Master, Counter: e.ver.Counter}

	if e.pinned && e.pinTxn != t.Internal.ID && remaster != nil {
		s.metrics.LockConflict()
		return fmt.Errorf("%w: key %q is pinned by remaster txn %d", txn.ErrLockConflict, key, e.pinTxn)
	}

	if current == expected {
		return nil
	}

	if remaster != nil {
		// Counters only grow, so a counter ahead of the dispatch snapshot
		// means another remaster won the race for this key.
		if current.Counter != expected.Counter {
			s.metrics.ConcurrentRemaster()
			return fmt.Errorf("%w: key %q at counter %d, remaster txn %d expected %d",
				txn.ErrConcurrentRemaster, key, current.Counter, t.Internal.ID, expected.Counter)
		}
	}
	s.metrics.StaleMaster()
	return fmt.Errorf("%w: key %q is at (master=%d, counter=%d), txn %d was dispatched with (master=%d, counter=%d)",
		txn.ErrStaleMaster, key, current.Master, current.Counter, t.Internal.ID, expected.Master, expected.Counter)
}

// applyRemaster advances ownership of every fenced key. Caller holds all
// mutation regions and fencing has passed.
func (s *Store) applyRemaster(t *txn.Transaction, remaster *txn.RemasterProcedure, owned []string, locked []*entry, effect *AppliedEffect) {
	for i, key := range owned {
		e := locked[i]
		change := RemasterChange{
			Key:       key,
			OldMaster: e.ver.Master,
			NewMaster: remaster.NewMaster,
			Counter:   e.ver.Counter + 1,
			LockOnly:  remaster.IsNewMasterLockOnly,
		}
		if remaster.IsNewMasterLockOnly {
			e.pinned = true
			e.pinTxn = t.Internal.ID
			e.priorMaster = e.ver.Master
		}
		e.ver.Master = remaster.NewMaster
		e.ver.Counter++
		effect.Remasters = append(effect.Remasters, change)

		s.logger.Debug("remastered key",
			zap.String("key", key),
			zap.Uint32("txn", t.Internal.ID),
			zap.Uint32("old_master", change.OldMaster),
			zap.Uint32("new_master", change.NewMaster),
			zap.Uint32("counter", change.Counter),
			zap.Bool("lock_only", change.LockOnly))
	}
	s.metrics.Remaster(len(owned))
}

// applyWrites applies the write and delete portion of a code transaction.
// Caller holds all mutation regions and fencing has passed.
func (s *Store) applyWrites(t *txn.Transaction, owned []string, locked []*entry, effect *AppliedEffect) error {
	deleted := make(map[string]struct{}, len(t.DeletedKeys))
	for _, key := range t.DeletedKeys {
		deleted[key] = struct{}{}
	}
	for i, key := range owned {
		e := locked[i]
		if _, del := deleted[key]; del {
			if s.backend != nil {
				if err := s.backend.ApplyDelete(key); err != nil {
					return fmt.Errorf("%w: delete of key %q in txn %d: %v", txn.ErrApplyFailure, key, t.Internal.ID, err)
				}
			}
			e.tombstone = true
			e.ver.Value = ""
			effect.Deletes = append(effect.Deletes, key)
			continue
		}
		ve := t.Keys[key]
		if ve.Type != txn.KeyWrite {
			continue
		}
		if s.backend != nil {
			if err := s.backend.ApplyWrite(key, ve.NewValue); err != nil {
				return fmt.Errorf("%w: write of key %q in txn %d: %v", txn.ErrApplyFailure, key, t.Internal.ID, err)
			}
		}
		e.ver.Value = ve.NewValue
		e.tombstone = false
		effect.Writes = append(effect.Writes, key)
	}
	return nil
}

// FinalizeRemaster settles the lock-only pins a remaster transaction
// holds on this partition. On commit the pin dissolves and the new master
// keeps the key; on abort ownership reverts to the prior master under a
// fresh counter increment (counters never go backwards, so the reverted
// ownership is a new version, not a rollback of history).
func (s *Store) FinalizeRemaster(t *txn.Transaction, committed bool) {
	for key := range t.Keys {
		if !s.Owns(key) {
			continue
		}
		e, ok := s.keys.Load(key)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.pinned && e.pinTxn == t.Internal.ID {
			if !committed {
				e.ver.Master = e.priorMaster
				e.ver.Counter++
			}
			e.pinned = false
			e.pinTxn = 0
			e.priorMaster = 0
		}
		e.mu.Unlock()
	}
}

// abort moves the transaction to ABORTED with the failure as its reason
// and passes the error through. Aborting an already-terminal transaction
// is tolerated: the first failing partition set the reason.
func (s *Store) abort(t *txn.Transaction, err error) error {
	if t.Status() == txn.StatusNotStarted {
		if abortErr := t.Abort(err.Error()); abortErr != nil {
			s.logger.Warn("failed to abort transaction", zap.Uint32("txn", t.Internal.ID), zap.Error(abortErr))
		}
	}
	s.metrics.Abort()
	s.logger.Debug("transaction failed validation", zap.Uint32("txn", t.Internal.ID), zap.Error(err))
	return err
}
