package workload

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-db/meridian/core/txn"
)

// seedGenerator builds a generator over a 2-partition, 3-replica key
// population with masters assigned round-robin.
func seedGenerator(t *testing.T, params Params) (*Basic, map[string]txn.MasterMetadata) {
	t.Helper()
	masters := make(map[string]txn.MasterMetadata)
	lookup := func(key string) (txn.MasterMetadata, bool) {
		meta, ok := masters[key]
		return meta, ok
	}
	gen, err := NewBasic(params, 2, 3, 0, lookup)
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key-%03d", i)
		partition := uint32(i % 2)
		master := uint32(i % 3)
		masters[key] = txn.MasterMetadata{Master: master}
		gen.AddKey(partition, master, key)
	}
	return gen, masters
}

func TestNewBasic_RejectsBadParams(t *testing.T) {
	_, err := NewBasic(Params{Records: 0}, 2, 3, 0, nil)
	require.Error(t, err)

	_, err = NewBasic(Params{Records: 2, Writes: 5}, 2, 3, 0, nil)
	require.Error(t, err)

	_, err = NewBasic(DefaultParams(), 0, 3, 0, nil)
	require.Error(t, err)
}

func TestNextTransaction_SingleHomeMix(t *testing.T) {
	params := DefaultParams()
	params.Records = 5
	params.Writes = 2
	gen, _ := seedGenerator(t, params)

	for i := 0; i < 50; i++ {
		tx, err := gen.NextTransaction()
		require.NoError(t, err)
		require.Equal(t, txn.TypeSingleHome, tx.Internal.Type,
			"with mh=0 every transaction must be single-home")
		require.Equal(t, txn.StatusNotStarted, tx.Status())
		require.NotEmpty(t, tx.Keys)

		writes := 0
		for _, entry := range tx.Keys {
			require.NotNil(t, entry.Metadata, "dispatch metadata must be captured")
			if entry.Type == txn.KeyWrite {
				writes++
				require.Len(t, entry.NewValue, params.ValueSize)
			}
		}
		require.Equal(t, params.Writes, writes)
	}
}

func TestNextTransaction_MultiHomeMix(t *testing.T) {
	params := DefaultParams()
	params.MultiHomePct = 100
	params.Records = 6
	gen, _ := seedGenerator(t, params)

	for i := 0; i < 20; i++ {
		tx, err := gen.NextTransaction()
		require.NoError(t, err)
		require.Equal(t, txn.TypeMultiHomeOrLockOnly, tx.Internal.Type)

		homes := make(map[uint32]struct{})
		for _, entry := range tx.Keys {
			homes[entry.Metadata.Master] = struct{}{}
		}
		require.Len(t, homes, 2, "a multi-home transaction draws keys from exactly two masters")
	}
}

func TestNextTransaction_RemasterMix(t *testing.T) {
	params := DefaultParams()
	params.RemasterPct = 100
	params.Records = 1
	params.Writes = 1
	gen, masters := seedGenerator(t, params)

	for i := 0; i < 20; i++ {
		tx, err := gen.NextTransaction()
		require.NoError(t, err)
		remaster := requireRemaster(t, tx)
		require.Len(t, tx.Keys, 1)
		for key := range tx.Keys {
			require.NotEqual(t, masters[key].Master, remaster.NewMaster,
				"a remaster must move the key somewhere else")
		}
	}
}

// requireRemaster asserts the transaction carries a remaster procedure.
func requireRemaster(t *testing.T, tx *txn.Transaction) *txn.RemasterProcedure {
	t.Helper()
	remaster := tx.Remaster()
	require.NotNil(t, remaster)
	return remaster
}

func TestNextTransaction_IDsAreUnique(t *testing.T) {
	gen, _ := seedGenerator(t, DefaultParams())
	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		tx, err := gen.NextTransaction()
		require.NoError(t, err)
		_, dup := seen[tx.Internal.ID]
		require.False(t, dup, "transaction ids must be unique per generator")
		seen[tx.Internal.ID] = struct{}{}
	}
}

func TestNextTransaction_NoKeysRegistered(t *testing.T) {
	gen, err := NewBasic(DefaultParams(), 2, 3, 0, nil)
	require.NoError(t, err)
	_, err = gen.NextTransaction()
	require.Error(t, err)
}
