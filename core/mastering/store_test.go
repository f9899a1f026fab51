package mastering

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-db/meridian/core/txn"
)

// --- Test Helpers ---

// setupStore creates a single-partition store owning every key.
func setupStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(0, nil, nil, zaptest.NewLogger(t), nil)
}

// newWriteTxn builds a code transaction writing the given keys, with
// dispatch metadata captured from the store.
func newWriteTxn(t *testing.T, s *Store, id uint32, keys ...string) *txn.Transaction {
	t.Helper()
	entries := make(map[string]*txn.ValueEntry, len(keys))
	for _, key := range keys {
		entries[key] = &txn.ValueEntry{Type: txn.KeyWrite, NewValue: "new-" + key}
	}
	tx, err := txn.New(id, 0, txn.CodeProcedure("w"), entries, nil, s.Masters())
	require.NoError(t, err)
	return tx
}

// newRemasterTxn builds a remaster of one key with dispatch metadata
// captured from the store.
func newRemasterTxn(t *testing.T, s *Store, id, newMaster uint32, lockOnly bool, key string) *txn.Transaction {
	t.Helper()
	entries := map[string]*txn.ValueEntry{key: {Type: txn.KeyWrite}}
	proc := &txn.RemasterProcedure{NewMaster: newMaster, IsNewMasterLockOnly: lockOnly}
	tx, err := txn.New(id, 0, proc, entries, nil, s.Masters())
	require.NoError(t, err)
	return tx
}

// --- Test Cases ---

func TestStore_PutAndGet(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 2, 5)

	ver, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, KeyVersion{Value: "v1", Master: 2, Counter: 5}, ver)

	_, ok = s.Get("missing")
	require.False(t, ok)
	require.Equal(t, 1, s.Len())
}

func TestStore_MastersLookup(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 3, 7)

	meta, ok := s.Masters()("a")
	require.True(t, ok)
	require.Equal(t, txn.MasterMetadata{Master: 3, Counter: 7}, meta)

	_, ok = s.Masters()("missing")
	require.False(t, ok)
}

func TestValidateAndApply_WriteUpdatesValueNotOwnership(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 1, 3)

	tx := newWriteTxn(t, s, 10, "a")
	effect, err := s.ValidateAndApply(tx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, effect.Writes)
	require.Empty(t, effect.Deletes)
	require.Empty(t, effect.Remasters)
	require.Equal(t, txn.StatusNotStarted, tx.Status(), "apply must not commit; that is the coordinator's call")

	ver, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "new-a", ver.Value)
	// A value write does not advance the fencing counter; the counter
	// tracks mastership only.
	require.Equal(t, uint32(1), ver.Master)
	require.Equal(t, uint32(3), ver.Counter)
}

func TestValidateAndApply_StaleMasterRejected(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 1, 3)

	// Dispatched against (master=1, counter=3)...
	tx := newWriteTxn(t, s, 11, "a")

	// ...but the key is remastered to (master=2, counter=4) in between.
	s.Put("a", "v1", 2, 4)

	_, err := s.ValidateAndApply(tx)
	require.ErrorIs(t, err, txn.ErrStaleMaster)
	require.Equal(t, txn.StatusAborted, tx.Status())
	require.Contains(t, tx.AbortReason(), "stale master")

	ver, _ := s.Get("a")
	require.Equal(t, "v1", ver.Value, "a fenced-out write must not change the value")
}

func TestValidateAndApply_DeleteTombstonesKey(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 0, 0)
	s.Put("b", "v2", 0, 0)

	entries := map[string]*txn.ValueEntry{"b": {Type: txn.KeyRead}}
	tx, err := txn.New(12, 0, txn.CodeProcedure("del"), entries, []string{"a"}, s.Masters())
	require.NoError(t, err)

	effect, err := s.ValidateAndApply(tx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, effect.Deletes)

	_, ok := s.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, s.Len())
}

func TestValidateAndApply_NewKeyWrite(t *testing.T) {
	s := setupStore(t)

	tx := newWriteTxn(t, s, 13, "fresh")
	_, err := s.ValidateAndApply(tx)
	require.NoError(t, err)

	ver, ok := s.Get("fresh")
	require.True(t, ok)
	require.Equal(t, "new-fresh", ver.Value)
	require.Equal(t, txn.DefaultMasterOfNewKey, ver.Master)
	require.Equal(t, uint32(0), ver.Counter)
}

func TestValidateAndApply_MissingDispatchMetadata(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 0, 0)

	tx := newWriteTxn(t, s, 14, "a")
	tx.Keys["a"].Metadata = nil

	_, err := s.ValidateAndApply(tx)
	require.ErrorIs(t, err, txn.ErrMalformedTransaction)
	require.Equal(t, txn.StatusAborted, tx.Status())
	require.NotEmpty(t, tx.AbortReason())
}

func TestValidateAndApply_TerminalTransactionRejected(t *testing.T) {
	s := setupStore(t)
	s.Put("a", "v1", 0, 0)

	tx := newWriteTxn(t, s, 15, "a")
	require.NoError(t, tx.Abort("aborted upstream"))

	_, err := s.ValidateAndApply(tx)
	require.ErrorIs(t, err, txn.ErrTxnFinalized)
}

type testPartitioner struct{ n uint32 }

func (p testPartitioner) PartitionOfKey(key string) uint32 {
	return uint32(len(key)) % p.n
}

func TestValidateAndApply_OnlyOwnedKeysTouched(t *testing.T) {
	logger := zaptest.NewLogger(t)
	parts := testPartitioner{n: 2}
	s0 := NewStore(0, parts, nil, logger, nil)
	s1 := NewStore(1, parts, nil, logger, nil)

	s0.Put("aa", "v", 0, 0) // len 2 -> partition 0
	s1.Put("b", "v", 0, 0)  // len 1 -> partition 1

	lookup := func(key string) (txn.MasterMetadata, bool) {
		if parts.PartitionOfKey(key) == 0 {
			return s0.Masters()(key)
		}
		return s1.Masters()(key)
	}
	entries := map[string]*txn.ValueEntry{
		"aa": {Type: txn.KeyWrite, NewValue: "w0"},
		"b":  {Type: txn.KeyWrite, NewValue: "w1"},
	}
	tx, err := txn.New(16, 0, txn.CodeProcedure("w"), entries, nil, lookup)
	require.NoError(t, err)

	effect0, err := s0.ValidateAndApply(tx)
	require.NoError(t, err)
	require.Equal(t, []string{"aa"}, effect0.Writes)

	effect1, err := s1.ValidateAndApply(tx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, effect1.Writes)

	ver0, _ := s0.Get("aa")
	ver1, _ := s1.Get("b")
	require.Equal(t, "w0", ver0.Value)
	require.Equal(t, "w1", ver1.Value)
}

func TestValidateAndApply_LockConflictUnderContention(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 64; i++ {
		s.Put(key(i), "v", 0, 0)
	}

	// Hammer the same key set from many goroutines. Per-key try-locks
	// mean some transactions lose; every loss must be a clean
	// ErrLockConflict with the transaction aborted and attributed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, conflicted := 0, 0
	var unexpected []error
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				tx := newWriteTxn(t, s, uint32(1000+g*64+i), key(i), key((i+1)%64))
				_, err := s.ValidateAndApply(tx)
				mu.Lock()
				switch {
				case err == nil:
					applied++
				case errors.Is(err, txn.ErrLockConflict) && tx.Status() == txn.StatusAborted:
					conflicted++
				default:
					unexpected = append(unexpected, err)
				}
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	require.Empty(t, unexpected, "every loss must be a clean lock conflict on an aborted txn")
	require.Equal(t, 8*64, applied+conflicted)
	require.Positive(t, applied, "some transactions must get through")
}

func key(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
