package txn

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func entriesWithMasters(masters ...uint32) map[string]*ValueEntry {
	entries := make(map[string]*ValueEntry, len(masters))
	for i, master := range masters {
		entries[fmt.Sprintf("key-%d", i)] = &ValueEntry{
			Type:     KeyRead,
			Metadata: &MasterMetadata{Master: master},
		}
	}
	return entries
}

func TestClassify_SingleHomeIffAllMastersEqual(t *testing.T) {
	tests := []struct {
		name     string
		masters  []uint32
		wantType Type
		wantHome int32
	}{
		{"one key", []uint32{3}, TypeSingleHome, 3},
		{"all same master", []uint32{2, 2, 2, 2}, TypeSingleHome, 2},
		{"all on default master", []uint32{0, 0}, TypeSingleHome, 0},
		{"two masters", []uint32{1, 2}, TypeMultiHomeOrLockOnly, NoSingleHome},
		{"mixed late", []uint32{5, 5, 5, 6}, TypeMultiHomeOrLockOnly, NoSingleHome},
		{"all distinct", []uint32{0, 1, 2, 3}, TypeMultiHomeOrLockOnly, NoSingleHome},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotHome, err := Classify(entriesWithMasters(tt.masters...), CodeProcedure("code"))
			require.NoError(t, err)
			require.Equal(t, tt.wantType, gotType)
			require.Equal(t, tt.wantHome, gotHome)
		})
	}
}

func TestClassify_EmptyKeySetIsMalformed(t *testing.T) {
	_, _, err := Classify(nil, CodeProcedure("code"))
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, _, err = ClassifyKeys(nil, staticLookup(nil))
	require.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestClassify_MissingMetadataIsMalformed(t *testing.T) {
	entries := map[string]*ValueEntry{"a": {Type: KeyRead}}
	_, _, err := Classify(entries, CodeProcedure("code"))
	require.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestClassify_LockOnlyRemasterIsMultiHome(t *testing.T) {
	// Even with every key on one master, a lock-only remaster is
	// classified multi-home-or-lock-only.
	entries := entriesWithMasters(1, 1)
	gotType, gotHome, err := Classify(entries, &RemasterProcedure{NewMaster: 2, IsNewMasterLockOnly: true})
	require.NoError(t, err)
	require.Equal(t, TypeMultiHomeOrLockOnly, gotType)
	require.Equal(t, NoSingleHome, gotHome)

	// A full remaster of single-homed keys stays single-home.
	gotType, gotHome, err = Classify(entries, &RemasterProcedure{NewMaster: 2})
	require.NoError(t, err)
	require.Equal(t, TypeSingleHome, gotType)
	require.Equal(t, int32(1), gotHome)
}

func TestClassifyKeys_ResolvesThroughLookup(t *testing.T) {
	lookup := staticLookup(map[string]MasterMetadata{
		"a": {Master: 1},
		"b": {Master: 1},
		"c": {Master: 2},
	})

	gotType, gotHome, err := ClassifyKeys([]string{"a", "b"}, lookup)
	require.NoError(t, err)
	require.Equal(t, TypeSingleHome, gotType)
	require.Equal(t, int32(1), gotHome)

	gotType, _, err = ClassifyKeys([]string{"a", "c"}, lookup)
	require.NoError(t, err)
	require.Equal(t, TypeMultiHomeOrLockOnly, gotType)

	// Unknown keys resolve to the default master.
	gotType, gotHome, err = ClassifyKeys([]string{"nope", "also-nope"}, lookup)
	require.NoError(t, err)
	require.Equal(t, TypeSingleHome, gotType)
	require.Equal(t, int32(DefaultMasterOfNewKey), gotHome)
}
