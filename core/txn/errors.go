package txn

import "errors"

// --- Error Definitions ---

var (
	// ErrMalformedTransaction covers structurally invalid records: an empty
	// key set, a missing procedure, a key that is both written and deleted,
	// or missing dispatch metadata.
	ErrMalformedTransaction = errors.New("malformed transaction")
	// ErrStaleMaster means the (master, counter) pair a transaction was
	// dispatched with no longer matches the key's current ownership. The
	// coordinator must re-derive routing and resubmit.
	ErrStaleMaster = errors.New("stale master metadata")
	// ErrConcurrentRemaster means this remaster lost a counter race to
	// another remaster of the same key. Expected under contention; the
	// coordinator may back off and retry.
	ErrConcurrentRemaster = errors.New("concurrent remaster lost counter race")
	// ErrLockConflict means another transaction currently holds the per-key
	// mutation region (or a lock-only ownership pin) for a required key.
	ErrLockConflict = errors.New("key is locked by another transaction")
	// ErrApplyFailure means a downstream write failed after fencing already
	// passed. Fatal to the transaction: a later failure indicates a
	// storage-layer fault, not a routing problem.
	ErrApplyFailure = errors.New("apply failed after validation")
	// ErrTxnFinalized means a mutation was attempted on a transaction that
	// already reached a terminal status.
	ErrTxnFinalized = errors.New("transaction already reached a terminal status")
)
