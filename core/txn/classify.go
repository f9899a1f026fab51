package txn

import "fmt"

// Classify determines whether a transaction is single-home or multi-home
// from the dispatch metadata captured in its value entries. All keys under
// one master yield TypeSingleHome with that master as the home; keys
// spanning masters, or a lock-only remaster, yield
// TypeMultiHomeOrLockOnly with no single home.
//
// Classification happens once, at construction. If a key's master moves
// afterwards, the fencing check at validation time catches the staleness;
// the record is never reclassified.
func Classify(keys map[string]*ValueEntry, proc Procedure) (Type, int32, error) {
	if len(keys) == 0 {
		return TypeUnknown, NoSingleHome, fmt.Errorf("%w: cannot classify an empty key set", ErrMalformedTransaction)
	}

	if remaster, ok := proc.(*RemasterProcedure); ok && remaster != nil && remaster.IsNewMasterLockOnly {
		return TypeMultiHomeOrLockOnly, NoSingleHome, nil
	}

	home, first := NoSingleHome, true
	for key, entry := range keys {
		if entry.Metadata == nil {
			return TypeUnknown, NoSingleHome, fmt.Errorf("%w: key %q has no dispatch metadata", ErrMalformedTransaction, key)
		}
		master := int32(entry.Metadata.Master)
		if first {
			home, first = master, false
			continue
		}
		if master != home {
			return TypeMultiHomeOrLockOnly, NoSingleHome, nil
		}
	}
	return TypeSingleHome, home, nil
}

// ClassifyKeys is the lookup-based form of Classify for callers that have
// not yet built value entries: it resolves each key's master through
// lookup and applies the same rule.
func ClassifyKeys(keys []string, lookup MasterLookup) (Type, int32, error) {
	if len(keys) == 0 {
		return TypeUnknown, NoSingleHome, fmt.Errorf("%w: cannot classify an empty key set", ErrMalformedTransaction)
	}
	home, first := NoSingleHome, true
	for _, key := range keys {
		master := int32(resolveMaster(lookup, key).Master)
		if first {
			home, first = master, false
			continue
		}
		if master != home {
			return TypeMultiHomeOrLockOnly, NoSingleHome, nil
		}
	}
	return TypeSingleHome, home, nil
}
