// Package workload generates synthetic transaction mixes for driving the
// record model and fencing protocol: a configurable blend of single-home
// and multi-home transactions, reads and writes, hot keys, and the
// occasional remaster.
package workload

import (
	"fmt"

	"github.com/zhangyunhao116/fastrand"

	"github.com/meridian-db/meridian/core/txn"
)

// Params tunes the generated mix. The zero value is not useful; use
// DefaultParams as a base.
type Params struct {
	// MultiHomePct is the percentage of transactions whose keys span more
	// than one master replica.
	MultiHomePct int
	// RemasterPct is the percentage of transactions that are remasters.
	RemasterPct int
	// Records is the number of keys each transaction touches.
	Records int
	// Writes is how many of those keys are written.
	Writes int
	// HotPerList caps how many keys per (partition, replica) list count as
	// hot; hot keys are drawn preferentially when HotRecords > 0.
	HotPerList int
	// HotRecords is the number of keys per transaction drawn from the hot
	// set.
	HotRecords int
	// ValueSize is the byte length of generated write values.
	ValueSize int
}

// DefaultParams mirrors the defaults of the original basic mix: ten
// records per transaction, all written, everything single-home.
func DefaultParams() Params {
	return Params{
		MultiHomePct: 0,
		RemasterPct:  0,
		Records:      10,
		Writes:       10,
		HotPerList:   0,
		HotRecords:   0,
		ValueSize:    100,
	}
}

// Basic deals transactions against a fixed key population, bucketed by
// (partition, replica-master) so the generator can compose a key set with
// a chosen home profile.
type Basic struct {
	params        Params
	numPartitions uint32
	numReplicas   uint32
	lookup        txn.MasterLookup
	coordinator   uint32

	// keyLists[partition][replica] holds the keys of that partition whose
	// master is that replica; the first HotPerList of each list are hot.
	keyLists [][][]string

	nextID uint32
}

// NewBasic builds a generator for the given topology shape. lookup
// resolves live masters at dispatch time, exactly as a forwarder would.
func NewBasic(params Params, numPartitions, numReplicas uint32, coordinator uint32, lookup txn.MasterLookup) (*Basic, error) {
	if params.Records <= 0 {
		return nil, fmt.Errorf("workload: records per transaction must be positive")
	}
	if params.Writes > params.Records {
		return nil, fmt.Errorf("workload: writes (%d) cannot exceed records (%d)", params.Writes, params.Records)
	}
	if numPartitions == 0 || numReplicas == 0 {
		return nil, fmt.Errorf("workload: topology must have partitions and replicas")
	}
	lists := make([][][]string, numPartitions)
	for p := range lists {
		lists[p] = make([][]string, numReplicas)
	}
	return &Basic{
		params:        params,
		numPartitions: numPartitions,
		numReplicas:   numReplicas,
		lookup:        lookup,
		coordinator:   coordinator,
		keyLists:      lists,
	}, nil
}

// AddKey registers a key under its partition and current master so it can
// be drawn into generated transactions.
func (w *Basic) AddKey(partition, master uint32, key string) {
	w.keyLists[partition][master] = append(w.keyLists[partition][master], key)
}

// NextTransaction deals one transaction from the configured mix.
func (w *Basic) NextTransaction() (*txn.Transaction, error) {
	w.nextID++
	id := w.nextID

	if percent(w.params.RemasterPct) {
		return w.nextRemaster(id)
	}

	homes := 1
	if percent(w.params.MultiHomePct) && w.numReplicas > 1 {
		homes = 2
	}
	keys := w.pickKeys(homes)
	if len(keys) == 0 {
		return nil, fmt.Errorf("workload: no keys registered for the requested profile")
	}

	entries := make(map[string]*txn.ValueEntry, len(keys))
	writes := w.params.Writes
	for i, key := range keys {
		entry := &txn.ValueEntry{Type: txn.KeyRead}
		if i < writes {
			entry.Type = txn.KeyWrite
			entry.NewValue = randomValue(w.params.ValueSize)
		}
		entries[key] = entry
	}

	return txn.New(id, w.coordinator, txn.CodeProcedure("basic"), entries, nil, w.lookup)
}

// nextRemaster deals a single-key remaster moving the key to a replica
// other than its current master.
func (w *Basic) nextRemaster(id uint32) (*txn.Transaction, error) {
	key, master, ok := w.anyKey()
	if !ok {
		return nil, fmt.Errorf("workload: no keys registered")
	}
	target := master
	if w.numReplicas > 1 {
		for target == master {
			target = fastrand.Uint32n(w.numReplicas)
		}
	}
	entries := map[string]*txn.ValueEntry{
		key: {Type: txn.KeyWrite},
	}
	proc := &txn.RemasterProcedure{NewMaster: target}
	return txn.New(id, w.coordinator, proc, entries, nil, w.lookup)
}

// pickKeys draws Records keys from the requested number of home replicas,
// spreading them over partitions and honoring the hot-record quota.
func (w *Basic) pickKeys(homes int) []string {
	replicas := w.pickReplicas(homes)
	picked := make([]string, 0, w.params.Records)
	seen := make(map[string]struct{}, w.params.Records)
	// Bounded draw: sparse key lists or tiny populations must not spin
	// forever looking for distinct keys.
	misses := 0
	for len(picked) < w.params.Records && misses < 16*w.params.Records {
		replica := replicas[len(picked)%len(replicas)]
		partition := fastrand.Uint32n(w.numPartitions)
		hot := len(picked) < w.params.HotRecords
		key, ok := w.drawKey(partition, replica, hot)
		if !ok {
			misses++
			continue
		}
		if _, dup := seen[key]; dup {
			misses++
			continue
		}
		seen[key] = struct{}{}
		picked = append(picked, key)
	}
	return picked
}

func (w *Basic) pickReplicas(homes int) []uint32 {
	first := fastrand.Uint32n(w.numReplicas)
	if homes <= 1 || w.numReplicas == 1 {
		return []uint32{first}
	}
	second := first
	for second == first {
		second = fastrand.Uint32n(w.numReplicas)
	}
	return []uint32{first, second}
}

func (w *Basic) drawKey(partition, replica uint32, hot bool) (string, bool) {
	list := w.keyLists[partition][replica]
	if len(list) == 0 {
		return "", false
	}
	limit := len(list)
	if hot && w.params.HotPerList > 0 && w.params.HotPerList < limit {
		limit = w.params.HotPerList
	}
	return list[fastrand.Intn(limit)], true
}

func (w *Basic) anyKey() (string, uint32, bool) {
	for attempts := 0; attempts < 64; attempts++ {
		partition := fastrand.Uint32n(w.numPartitions)
		replica := fastrand.Uint32n(w.numReplicas)
		list := w.keyLists[partition][replica]
		if len(list) > 0 {
			return list[fastrand.Intn(len(list))], replica, true
		}
	}
	return "", 0, false
}

func percent(pct int) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return fastrand.Intn(100) < pct
}

const valueAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomValue(size int) string {
	if size <= 0 {
		return ""
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = valueAlphabet[fastrand.Intn(len(valueAlphabet))]
	}
	return string(buf)
}
