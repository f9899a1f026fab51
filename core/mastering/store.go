// Package mastering implements the per-key ownership and fencing protocol
// of a partition: the (master, counter) version table, the per-key
// mutation regions, and the validate-and-apply path that partitions run
// for each transaction routed to them.
//
// A Store holds the keys of exactly one partition. It never blocks: lock
// contention and staleness are reported to the caller, and any waiting or
// retrying policy belongs to the surrounding pipeline.
package mastering

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/meridian-db/meridian/core/txn"
)

// KeyVersion is the partition-local state of one key: its value and the
// fencing token. Master and Counter are only ever read or written inside
// the key's mutation region, so observers always see a consistent pair.
type KeyVersion struct {
	Value   string
	Master  uint32
	Counter uint32
}

// Backend receives the writes and deletes of a validated transaction. A
// storage engine hangs off this seam; the Store keeps its own in-memory
// copy either way. An error from the backend aborts the transaction with
// ErrApplyFailure since fencing has already passed by then.
type Backend interface {
	ApplyWrite(key, value string) error
	ApplyDelete(key string) error
}

// entry is the lock-carrying slot of a single key. mu is the key's
// mutation region; ver, pin and tombstone are only touched while holding
// it.
type entry struct {
	mu  sync.Mutex
	ver KeyVersion

	// Lock-only remaster pin. While pinned, priorMaster remembers the
	// owner to revert to if the enclosing transaction aborts and pinTxn
	// identifies the remaster holding the pin.
	pinned      bool
	pinTxn      uint32
	priorMaster uint32

	// Deleted keys keep their slot so the counter history stays linear if
	// the key is recreated.
	tombstone bool
}

// Store is the key-version table of one partition.
type Store struct {
	partition uint32
	parts     txn.Partitioner
	backend   Backend
	keys      *skipmap.StringMap[*entry]
	logger    *zap.Logger
	metrics   *Metrics
}

// NewStore creates an empty version table for the given partition.
// backend and metrics may be nil.
func NewStore(partition uint32, parts txn.Partitioner, backend Backend, logger *zap.Logger, metrics *Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		partition: partition,
		parts:     parts,
		backend:   backend,
		keys:      skipmap.NewString[*entry](),
		logger:    logger.With(zap.Uint32("partition", partition)),
		metrics:   metrics,
	}
}

// Partition returns the partition this store holds keys for.
func (s *Store) Partition() uint32 { return s.partition }

// Owns reports whether a key belongs to this partition.
func (s *Store) Owns(key string) bool {
	return s.parts == nil || s.parts.PartitionOfKey(key) == s.partition
}

// Put seeds or overwrites a key's version outside of any transaction.
// Meant for loading initial data; transactional mutation goes through
// ValidateAndApply.
func (s *Store) Put(key, value string, master, counter uint32) {
	e := s.slot(key)
	e.mu.Lock()
	e.ver = KeyVersion{Value: value, Master: master, Counter: counter}
	e.tombstone = false
	e.mu.Unlock()
}

// Get returns a key's current version. The read happens inside the key's
// mutation region, so the (master, counter) pair is never torn.
func (s *Store) Get(key string) (KeyVersion, bool) {
	e, ok := s.keys.Load(key)
	if !ok {
		return KeyVersion{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tombstone {
		return KeyVersion{}, false
	}
	return e.ver, true
}

// Masters returns a MasterLookup view of this store for classification.
// Missing keys resolve to the default master at counter zero. Deleted keys
// still resolve: ownership and the counter survive deletion, so a
// transaction recreating the key must be dispatched with the live token.
func (s *Store) Masters() txn.MasterLookup {
	return func(key string) (txn.MasterMetadata, bool) {
		e, ok := s.keys.Load(key)
		if !ok {
			return txn.MasterMetadata{}, false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return txn.MasterMetadata{Master: e.ver.Master, Counter: e.ver.Counter}, true
	}
}

// Len returns the number of live keys in the store.
func (s *Store) Len() int {
	n := 0
	s.keys.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if !e.tombstone {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// slot returns the entry for a key, creating an unowned one if absent. A
// fresh slot carries the default master at counter zero.
func (s *Store) slot(key string) *entry {
	if e, ok := s.keys.Load(key); ok {
		return e
	}
	fresh := &entry{ver: KeyVersion{Master: txn.DefaultMasterOfNewKey}}
	actual, _ := s.keys.LoadOrStore(key, fresh)
	return actual
}
