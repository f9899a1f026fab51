// Package txn defines the transaction record of a geo-replicated
// deterministic database: per-key ownership metadata, the single-home /
// multi-home classification, the remaster procedure, the lifecycle event
// trace, and a proto3-compatible wire codec.
//
// The record itself is a plain value type. All cross-transaction
// concurrency control (per-key fencing, locks) lives in core/mastering.
package txn

import (
	"fmt"
	"sort"
)

// DefaultMasterOfNewKey is the replica that owns a key which has never
// been written or remastered.
const DefaultMasterOfNewKey uint32 = 0

// NoSingleHome is the Home value of a transaction whose keys span more
// than one master replica.
const NoSingleHome int32 = -1

// Type classifies a transaction by the ownership of the keys it touches.
// Wire values are fixed.
type Type int32

const (
	TypeUnknown             Type = 0
	TypeSingleHome          Type = 1
	TypeMultiHomeOrLockOnly Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeSingleHome:
		return "SINGLE_HOME"
	case TypeMultiHomeOrLockOnly:
		return "MULTI_HOME_OR_LOCK_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Status is the terminal-state machine of a transaction. Wire values are
// fixed.
type Status int32

const (
	StatusNotStarted Status = 0
	StatusCommitted  Status = 1
	StatusAborted    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "NOT_STARTED"
	}
}

// KeyType distinguishes a read from a write of a key within a transaction.
// Wire values are fixed.
type KeyType int32

const (
	KeyRead  KeyType = 0
	KeyWrite KeyType = 1
)

func (k KeyType) String() string {
	if k == KeyWrite {
		return "WRITE"
	}
	return "READ"
}

// MasterMetadata is the fencing token of a key: the replica currently
// authoritative for it and the monotonic counter advanced on every
// mastership change.
type MasterMetadata struct {
	Master  uint32
	Counter uint32
}

// ValueEntry is one key's participation in a transaction: the value read
// during dispatch, the value to write (for KeyWrite entries), and the
// ownership metadata captured when the transaction was classified. The
// fencing protocol compares Metadata against the key's live metadata; for
// a remaster it also serves as the audit record of the prior owner.
type ValueEntry struct {
	Value    string
	NewValue string
	Type     KeyType
	Metadata *MasterMetadata

	unknown []byte
}

// Procedure is what a transaction executes: either a code payload or a
// remaster. Exactly one branch exists per well-formed transaction; the
// unexported method keeps the set of branches closed.
type Procedure interface {
	isProcedure()
}

// CodeProcedure is the code payload of a regular transaction.
type CodeProcedure string

func (CodeProcedure) isProcedure() {}

// RemasterProcedure reassigns the master of the transaction's keys.
// IsNewMasterLockOnly pins ownership without migrating the value; such a
// pin must be reverted if the enclosing multi-home transaction aborts.
type RemasterProcedure struct {
	NewMaster           uint32
	IsNewMasterLockOnly bool
}

func (*RemasterProcedure) isProcedure() {}

// Internal carries the execution metadata of a transaction: identity,
// classification, the coordinating server, the participant sets, and the
// lifecycle event trace.
type Internal struct {
	ID                 uint32
	Type               Type
	Home               int32
	CoordinatingServer uint32
	InvolvedPartitions []uint32
	ActivePartitions   []uint32
	InvolvedReplicas   []uint32

	events  []EventEntry
	unknown []byte
}

// Transaction is the top-level record handed between pipeline stages. It
// is created NOT_STARTED by a coordinator, mutated in place as partitions
// validate and apply their portion, and transitions exactly once to
// COMMITTED or ABORTED.
type Transaction struct {
	Internal    Internal
	Keys        map[string]*ValueEntry
	DeletedKeys []string

	procedure   Procedure
	status      Status
	abortReason string
	unknown     []byte
}

// MasterLookup resolves a key's current ownership metadata at
// classification time. The second return value reports whether the key
// exists; a missing key belongs to DefaultMasterOfNewKey at counter 0.
type MasterLookup func(key string) (MasterMetadata, bool)

// Partitioner maps a key to the partition holding it.
type Partitioner interface {
	PartitionOfKey(key string) uint32
}

// New builds a well-formed transaction record: it captures each key's
// dispatch metadata through lookup, classifies the transaction, and
// validates the structural invariants. Violations are reported as
// ErrMalformedTransaction.
func New(id, coordinatingServer uint32, proc Procedure, keys map[string]*ValueEntry,
	deletedKeys []string, lookup MasterLookup) (*Transaction, error) {
	if err := validateShape(proc, keys, deletedKeys); err != nil {
		return nil, err
	}

	// Capture the dispatch metadata before classifying so that both see
	// the same snapshot of ownership.
	for key, entry := range keys {
		meta := resolveMaster(lookup, key)
		entry.Metadata = &MasterMetadata{Master: meta.Master, Counter: meta.Counter}
	}

	txnType, home, err := Classify(keys, proc)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		Internal: Internal{
			ID:                 id,
			Type:               txnType,
			Home:               home,
			CoordinatingServer: coordinatingServer,
		},
		Keys:        keys,
		DeletedKeys: deletedKeys,
		procedure:   proc,
		status:      StatusNotStarted,
	}, nil
}

func validateShape(proc Procedure, keys map[string]*ValueEntry, deletedKeys []string) error {
	if proc == nil {
		return fmt.Errorf("%w: no procedure branch set", ErrMalformedTransaction)
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrMalformedTransaction)
	}
	for _, key := range deletedKeys {
		entry, ok := keys[key]
		if ok && entry.Type == KeyWrite {
			return fmt.Errorf("%w: key %q is both written and deleted", ErrMalformedTransaction, key)
		}
	}
	if remaster, ok := proc.(*RemasterProcedure); ok && remaster == nil {
		return fmt.Errorf("%w: nil remaster procedure", ErrMalformedTransaction)
	}
	return nil
}

func resolveMaster(lookup MasterLookup, key string) MasterMetadata {
	if lookup != nil {
		if meta, ok := lookup(key); ok {
			return meta
		}
	}
	return MasterMetadata{Master: DefaultMasterOfNewKey, Counter: 0}
}

// Procedure returns the transaction's procedure branch.
func (t *Transaction) Procedure() Procedure { return t.procedure }

// Remaster returns the remaster procedure, or nil for a code transaction.
func (t *Transaction) Remaster() *RemasterProcedure {
	if remaster, ok := t.procedure.(*RemasterProcedure); ok {
		return remaster
	}
	return nil
}

// Status returns the current lifecycle status.
func (t *Transaction) Status() Status { return t.status }

// AbortReason returns the diagnostic set when the transaction aborted.
func (t *Transaction) AbortReason() string { return t.abortReason }

// Commit moves the transaction to COMMITTED. The transition is terminal;
// committing twice or after an abort fails with ErrTxnFinalized.
func (t *Transaction) Commit() error {
	if t.status != StatusNotStarted {
		return ErrTxnFinalized
	}
	t.status = StatusCommitted
	return nil
}

// Abort moves the transaction to ABORTED with a diagnostic reason. The
// reason must be non-empty so every non-commit path stays attributable.
func (t *Transaction) Abort(reason string) error {
	if t.status != StatusNotStarted {
		return ErrTxnFinalized
	}
	if reason == "" {
		return fmt.Errorf("%w: abort requires a reason", ErrMalformedTransaction)
	}
	t.status = StatusAborted
	t.abortReason = reason
	return nil
}

// DeriveInvolvedSets fills the participant sets from the key set and the
// captured metadata: involved partitions from every key, active partitions
// from written and deleted keys, involved replicas from the key masters
// (plus the remaster target). Sets come out sorted and deduplicated.
func (t *Transaction) DeriveInvolvedSets(parts Partitioner) {
	var involved, active, replicas []uint32
	for key, entry := range t.Keys {
		p := parts.PartitionOfKey(key)
		involved = append(involved, p)
		if entry.Type == KeyWrite {
			active = append(active, p)
		}
		if entry.Metadata != nil {
			replicas = append(replicas, entry.Metadata.Master)
		}
	}
	for _, key := range t.DeletedKeys {
		p := parts.PartitionOfKey(key)
		involved = append(involved, p)
		active = append(active, p)
	}
	if remaster := t.Remaster(); remaster != nil {
		replicas = append(replicas, remaster.NewMaster)
		// A remaster mutates ownership on every involved partition.
		active = append(active, involved...)
	}

	t.Internal.InvolvedPartitions = sortedUnique(involved)
	t.Internal.ActivePartitions = sortedUnique(active)
	t.Internal.InvolvedReplicas = sortedUnique(replicas)
}

func sortedUnique(ids []uint32) []uint32 {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// SortedKeys returns the transaction's keys in lexicographic order. Used
// wherever a stable iteration order matters: lock acquisition and the
// deterministic wire encoding.
func (t *Transaction) SortedKeys() []string {
	keys := make([]string, 0, len(t.Keys))
	for key := range t.Keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
