package txn

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Proto3-compatible codec for the transaction record, implemented directly
// on the protobuf wire format. Field numbers mirror api/proto/
// transaction.proto and are frozen. Unrecognized fields are retained per
// message and re-emitted on marshal, so records produced by newer schema
// revisions survive a round trip through this code.
//
// Marshal is deterministic: known fields in field-number order, map
// entries in sorted key order, retained unknown fields last.

// Field numbers of MasterMetadata.
const (
	mmMasterField  = 1
	mmCounterField = 2
)

// Field numbers of ValueEntry.
const (
	veValueField    = 1
	veNewValueField = 2
	veTypeField     = 3
	veMetadataField = 4
)

// Field numbers of TransactionInternal.
const (
	tiIDField                 = 1
	tiTypeField               = 2
	tiHomeField               = 3
	tiCoordinatingServerField = 4
	tiInvolvedPartitionsField = 5
	tiActivePartitionsField   = 6
	tiInvolvedReplicasField   = 7
	tiEventsField             = 8
	tiEventTimesField         = 9
	tiEventMachinesField      = 10
)

// Field numbers of RemasterProcedure.
const (
	rpNewMasterField = 1
	rpLockOnlyField  = 2
)

// Field numbers of Transaction.
const (
	txInternalField    = 1
	txCodeField        = 2
	txRemasterField    = 3
	txKeysField        = 4
	txDeletedKeysField = 5
	txStatusField      = 6
	txAbortReasonField = 7
)

// Field numbers of the keys map entry.
const (
	keysEntryKeyField   = 1
	keysEntryValueField = 2
)

// Marshal encodes the transaction into its wire form.
func Marshal(t *Transaction) ([]byte, error) {
	var b []byte
	if internal := appendInternal(nil, &t.Internal); len(internal) > 0 {
		b = protowire.AppendTag(b, txInternalField, protowire.BytesType)
		b = protowire.AppendBytes(b, internal)
	}
	switch proc := t.procedure.(type) {
	case nil:
		// Unset oneof; nothing on the wire.
	case CodeProcedure:
		b = protowire.AppendTag(b, txCodeField, protowire.BytesType)
		b = protowire.AppendString(b, string(proc))
	case *RemasterProcedure:
		b = protowire.AppendTag(b, txRemasterField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRemaster(nil, proc))
	default:
		return nil, fmt.Errorf("%w: unknown procedure branch %T", ErrMalformedTransaction, proc)
	}
	for _, key := range t.SortedKeys() {
		entry := appendKeysEntry(nil, key, t.Keys[key])
		b = protowire.AppendTag(b, txKeysField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, key := range t.DeletedKeys {
		b = protowire.AppendTag(b, txDeletedKeysField, protowire.BytesType)
		b = protowire.AppendString(b, key)
	}
	if t.status != StatusNotStarted {
		b = protowire.AppendTag(b, txStatusField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.status))
	}
	if t.abortReason != "" {
		b = protowire.AppendTag(b, txAbortReasonField, protowire.BytesType)
		b = protowire.AppendString(b, t.abortReason)
	}
	return append(b, t.unknown...), nil
}

func appendInternal(b []byte, in *Internal) []byte {
	if in.ID != 0 {
		b = protowire.AppendTag(b, tiIDField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(in.ID))
	}
	if in.Type != TypeUnknown {
		b = protowire.AppendTag(b, tiTypeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(in.Type))
	}
	if in.Home != 0 {
		b = protowire.AppendTag(b, tiHomeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(in.Home)))
	}
	if in.CoordinatingServer != 0 {
		b = protowire.AppendTag(b, tiCoordinatingServerField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(in.CoordinatingServer))
	}
	b = appendPackedUint32(b, tiInvolvedPartitionsField, in.InvolvedPartitions)
	b = appendPackedUint32(b, tiActivePartitionsField, in.ActivePartitions)
	b = appendPackedUint32(b, tiInvolvedReplicasField, in.InvolvedReplicas)
	if len(in.events) > 0 {
		var events, times, machines []byte
		for _, ev := range in.events {
			events = protowire.AppendVarint(events, uint64(ev.Event))
			times = protowire.AppendVarint(times, uint64(ev.Time))
			machines = protowire.AppendVarint(machines, uint64(ev.Machine))
		}
		b = protowire.AppendTag(b, tiEventsField, protowire.BytesType)
		b = protowire.AppendBytes(b, events)
		b = protowire.AppendTag(b, tiEventTimesField, protowire.BytesType)
		b = protowire.AppendBytes(b, times)
		b = protowire.AppendTag(b, tiEventMachinesField, protowire.BytesType)
		b = protowire.AppendBytes(b, machines)
	}
	return append(b, in.unknown...)
}

func appendPackedUint32(b []byte, num protowire.Number, values []uint32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendRemaster(b []byte, r *RemasterProcedure) []byte {
	if r.NewMaster != 0 {
		b = protowire.AppendTag(b, rpNewMasterField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.NewMaster))
	}
	if r.IsNewMasterLockOnly {
		b = protowire.AppendTag(b, rpLockOnlyField, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func appendKeysEntry(b []byte, key string, entry *ValueEntry) []byte {
	b = protowire.AppendTag(b, keysEntryKeyField, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, keysEntryValueField, protowire.BytesType)
	return protowire.AppendBytes(b, appendValueEntry(nil, entry))
}

func appendValueEntry(b []byte, entry *ValueEntry) []byte {
	if entry == nil {
		return b
	}
	if entry.Value != "" {
		b = protowire.AppendTag(b, veValueField, protowire.BytesType)
		b = protowire.AppendString(b, entry.Value)
	}
	if entry.NewValue != "" {
		b = protowire.AppendTag(b, veNewValueField, protowire.BytesType)
		b = protowire.AppendString(b, entry.NewValue)
	}
	if entry.Type != KeyRead {
		b = protowire.AppendTag(b, veTypeField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(entry.Type))
	}
	if entry.Metadata != nil {
		b = protowire.AppendTag(b, veMetadataField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMasterMetadata(nil, entry.Metadata))
	}
	return append(b, entry.unknown...)
}

func appendMasterMetadata(b []byte, m *MasterMetadata) []byte {
	if m.Master != 0 {
		b = protowire.AppendTag(b, mmMasterField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Master))
	}
	if m.Counter != 0 {
		b = protowire.AppendTag(b, mmCounterField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Counter))
	}
	return b
}

// Unmarshal decodes a transaction from its wire form. Structural
// invariants of construction (non-empty key set, procedure present) are
// not enforced here: a record in flight may legitimately be partial, and
// an unset oneof must survive a round trip as unset.
func Unmarshal(b []byte) (*Transaction, error) {
	t := &Transaction{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("transaction: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == txInternalField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction internal: %w", protowire.ParseError(m))
			}
			if err := unmarshalInternal(body, &t.Internal); err != nil {
				return nil, err
			}
			b = rest[m:]
		case num == txCodeField && typ == protowire.BytesType:
			code, m := protowire.ConsumeString(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction code: %w", protowire.ParseError(m))
			}
			t.procedure = CodeProcedure(code)
			b = rest[m:]
		case num == txRemasterField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction remaster: %w", protowire.ParseError(m))
			}
			remaster, err := unmarshalRemaster(body)
			if err != nil {
				return nil, err
			}
			t.procedure = remaster
			b = rest[m:]
		case num == txKeysField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction keys: %w", protowire.ParseError(m))
			}
			key, entry, err := unmarshalKeysEntry(body)
			if err != nil {
				return nil, err
			}
			if t.Keys == nil {
				t.Keys = make(map[string]*ValueEntry)
			}
			t.Keys[key] = entry
			b = rest[m:]
		case num == txDeletedKeysField && typ == protowire.BytesType:
			key, m := protowire.ConsumeString(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction deleted_keys: %w", protowire.ParseError(m))
			}
			t.DeletedKeys = append(t.DeletedKeys, key)
			b = rest[m:]
		case num == txStatusField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction status: %w", protowire.ParseError(m))
			}
			t.status = Status(v)
			b = rest[m:]
		case num == txAbortReasonField && typ == protowire.BytesType:
			reason, m := protowire.ConsumeString(rest)
			if m < 0 {
				return nil, fmt.Errorf("transaction abort_reason: %w", protowire.ParseError(m))
			}
			t.abortReason = reason
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			t.unknown = append(t.unknown, b[:skipped]...)
			b = b[skipped:]
		}
	}
	return t, nil
}

func unmarshalInternal(b []byte, in *Internal) error {
	var events []Event
	var times []int64
	var machines []uint32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("internal: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == tiIDField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return fmt.Errorf("internal id: %w", protowire.ParseError(m))
			}
			in.ID = uint32(v)
			b = rest[m:]
		case num == tiTypeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return fmt.Errorf("internal type: %w", protowire.ParseError(m))
			}
			in.Type = Type(v)
			b = rest[m:]
		case num == tiHomeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return fmt.Errorf("internal home: %w", protowire.ParseError(m))
			}
			in.Home = int32(v)
			b = rest[m:]
		case num == tiCoordinatingServerField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return fmt.Errorf("internal coordinating_server: %w", protowire.ParseError(m))
			}
			in.CoordinatingServer = uint32(v)
			b = rest[m:]
		case num == tiInvolvedPartitionsField:
			vals, m, err := consumeRepeatedUint32(typ, rest, in.InvolvedPartitions)
			if err != nil {
				return fmt.Errorf("internal involved_partitions: %w", err)
			}
			in.InvolvedPartitions = vals
			b = rest[m:]
		case num == tiActivePartitionsField:
			vals, m, err := consumeRepeatedUint32(typ, rest, in.ActivePartitions)
			if err != nil {
				return fmt.Errorf("internal active_partitions: %w", err)
			}
			in.ActivePartitions = vals
			b = rest[m:]
		case num == tiInvolvedReplicasField:
			vals, m, err := consumeRepeatedUint32(typ, rest, in.InvolvedReplicas)
			if err != nil {
				return fmt.Errorf("internal involved_replicas: %w", err)
			}
			in.InvolvedReplicas = vals
			b = rest[m:]
		case num == tiEventsField:
			vals, m, err := consumeRepeatedVarint(typ, rest)
			if err != nil {
				return fmt.Errorf("internal events: %w", err)
			}
			for _, v := range vals {
				events = append(events, Event(v))
			}
			b = rest[m:]
		case num == tiEventTimesField:
			vals, m, err := consumeRepeatedVarint(typ, rest)
			if err != nil {
				return fmt.Errorf("internal event_times: %w", err)
			}
			for _, v := range vals {
				times = append(times, int64(v))
			}
			b = rest[m:]
		case num == tiEventMachinesField:
			vals, m, err := consumeRepeatedVarint(typ, rest)
			if err != nil {
				return fmt.Errorf("internal event_machines: %w", err)
			}
			for _, v := range vals {
				machines = append(machines, uint32(v))
			}
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return err
			}
			in.unknown = append(in.unknown, b[:skipped]...)
			b = b[skipped:]
		}
	}
	if len(events) != len(times) || len(events) != len(machines) {
		return fmt.Errorf("%w: event trace sequences have mismatched lengths (%d events, %d times, %d machines)",
			ErrMalformedTransaction, len(events), len(times), len(machines))
	}
	for i := range events {
		in.events = append(in.events, EventEntry{Event: events[i], Time: times[i], Machine: machines[i]})
	}
	return nil
}

func unmarshalRemaster(b []byte) (*RemasterProcedure, error) {
	r := &RemasterProcedure{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("remaster: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == rpNewMasterField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("remaster new_master: %w", protowire.ParseError(m))
			}
			r.NewMaster = uint32(v)
			b = rest[m:]
		case num == rpLockOnlyField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("remaster is_new_master_lock_only: %w", protowire.ParseError(m))
			}
			r.IsNewMasterLockOnly = v != 0
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[skipped:]
		}
	}
	return r, nil
}

func unmarshalKeysEntry(b []byte) (string, *ValueEntry, error) {
	var key string
	entry := &ValueEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("keys entry: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == keysEntryKeyField && typ == protowire.BytesType:
			k, m := protowire.ConsumeString(rest)
			if m < 0 {
				return "", nil, fmt.Errorf("keys entry key: %w", protowire.ParseError(m))
			}
			key = k
			b = rest[m:]
		case num == keysEntryValueField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return "", nil, fmt.Errorf("keys entry value: %w", protowire.ParseError(m))
			}
			parsed, err := unmarshalValueEntry(body)
			if err != nil {
				return "", nil, err
			}
			entry = parsed
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return "", nil, err
			}
			b = b[skipped:]
		}
	}
	return key, entry, nil
}

func unmarshalValueEntry(b []byte) (*ValueEntry, error) {
	entry := &ValueEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("value entry: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == veValueField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(rest)
			if m < 0 {
				return nil, fmt.Errorf("value entry value: %w", protowire.ParseError(m))
			}
			entry.Value = v
			b = rest[m:]
		case num == veNewValueField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(rest)
			if m < 0 {
				return nil, fmt.Errorf("value entry new_value: %w", protowire.ParseError(m))
			}
			entry.NewValue = v
			b = rest[m:]
		case num == veTypeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("value entry type: %w", protowire.ParseError(m))
			}
			entry.Type = KeyType(v)
			b = rest[m:]
		case num == veMetadataField && typ == protowire.BytesType:
			body, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("value entry metadata: %w", protowire.ParseError(m))
			}
			meta, err := unmarshalMasterMetadata(body)
			if err != nil {
				return nil, err
			}
			entry.Metadata = meta
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			entry.unknown = append(entry.unknown, b[:skipped]...)
			b = b[skipped:]
		}
	}
	return entry, nil
}

func unmarshalMasterMetadata(b []byte) (*MasterMetadata, error) {
	meta := &MasterMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("master metadata: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		switch {
		case num == mmMasterField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("master metadata master: %w", protowire.ParseError(m))
			}
			meta.Master = uint32(v)
			b = rest[m:]
		case num == mmCounterField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("master metadata counter: %w", protowire.ParseError(m))
			}
			meta.Counter = uint32(v)
			b = rest[m:]
		default:
			skipped, err := retainUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[skipped:]
		}
	}
	return meta, nil
}

// consumeRepeatedUint32 accepts a repeated varint field in either packed
// or unpacked encoding, appending onto prior.
func consumeRepeatedUint32(typ protowire.Type, b []byte, prior []uint32) ([]uint32, int, error) {
	vals, n, err := consumeRepeatedVarintInto(typ, b, nil)
	if err != nil {
		return nil, 0, err
	}
	out := prior
	for _, v := range vals {
		out = append(out, uint32(v))
	}
	return out, n, nil
}

func consumeRepeatedVarint(typ protowire.Type, b []byte) ([]uint64, int, error) {
	return consumeRepeatedVarintInto(typ, b, nil)
}

func consumeRepeatedVarintInto(typ protowire.Type, b []byte, vals []uint64) ([]uint64, int, error) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, 0, protowire.ParseError(m)
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, n, nil
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return append(vals, v), n, nil
	default:
		return nil, 0, fmt.Errorf("unexpected wire type %v for repeated varint field", typ)
	}
}

// retainUnknown returns the total size of an unrecognized field, tag
// included, so the caller can keep its raw bytes. b starts at the tag.
func retainUnknown(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	tagLen := protowire.SizeTag(num)
	n := protowire.ConsumeFieldValue(num, typ, b[tagLen:])
	if n < 0 {
		return 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return tagLen + n, nil
}
