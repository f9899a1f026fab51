package txn

// Event identifies a lifecycle transition as a transaction traverses the
// execution pipeline. The numeric values are persisted and consumed by
// external tracing tooling and must never be renumbered.
type Event int32

const (
	EventAll                      Event = 0
	EventEnterServer              Event = 1
	EventExitServerToForwarder    Event = 2
	EventEnterForwarder           Event = 3
	EventExitForwarderToSequencer Event = 4
	EventExitForwarderToMHOrderer Event = 5
	EventEnterMHOrderer           Event = 6
	EventEnterMHOrdererInBatch    Event = 7
	EventExitMHOrdererInBatch     Event = 8
	EventExitMHOrderer            Event = 9
	EventEnterSequencer           Event = 10
	EventEnterSequencerInBatch    Event = 11
	EventExitSequencerInBatch     Event = 12
	EventEnterInterleaverInBatch  Event = 13
	EventExitInterleaver          Event = 14
	EventEnterScheduler           Event = 15
	EventDispatched               Event = 16
	EventEnterWorker              Event = 17
	EventExitWorker               Event = 18
	EventReturnToServer           Event = 19
	EventExitServerToClient       Event = 20
)

var eventNames = map[Event]string{
	EventAll:                      "ALL",
	EventEnterServer:              "ENTER_SERVER",
	EventExitServerToForwarder:    "EXIT_SERVER_TO_FORWARDER",
	EventEnterForwarder:           "ENTER_FORWARDER",
	EventExitForwarderToSequencer: "EXIT_FORWARDER_TO_SEQUENCER",
	EventExitForwarderToMHOrderer: "EXIT_FORWARDER_TO_MULTI_HOME_ORDERER",
	EventEnterMHOrderer:           "ENTER_MULTI_HOME_ORDERER",
	EventEnterMHOrdererInBatch:    "ENTER_MULTI_HOME_ORDERER_IN_BATCH",
	EventExitMHOrdererInBatch:     "EXIT_MULTI_HOME_ORDERER_IN_BATCH",
	EventExitMHOrderer:            "EXIT_MULTI_HOME_ORDERER",
	EventEnterSequencer:           "ENTER_SEQUENCER",
	EventEnterSequencerInBatch:    "ENTER_SEQUENCER_IN_BATCH",
	EventExitSequencerInBatch:     "EXIT_SEQUENCER_IN_BATCH",
	EventEnterInterleaverInBatch:  "ENTER_INTERLEAVER_IN_BATCH",
	EventExitInterleaver:          "EXIT_INTERLEAVER",
	EventEnterScheduler:           "ENTER_SCHEDULER",
	EventDispatched:               "DISPATCHED",
	EventEnterWorker:              "ENTER_WORKER",
	EventExitWorker:               "EXIT_WORKER",
	EventReturnToServer:           "RETURN_TO_SERVER",
	EventExitServerToClient:       "EXIT_SERVER_TO_CLIENT",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "INVALID_EVENT"
}

// EventEntry is one recorded lifecycle transition: which event happened,
// when, and on which machine. The wire format carries these as three
// parallel repeated fields; keeping them as one record in memory rules out
// the length-mismatch bugs the parallel representation invites.
type EventEntry struct {
	Event   Event
	Time    int64
	Machine uint32
}

// AppendEvent records a lifecycle transition on the transaction. Entries
// are append-only, must carry non-decreasing timestamps, and are frozen
// once the transaction reaches a terminal status.
func (t *Transaction) AppendEvent(event Event, timestamp int64, machine uint32) error {
	if t.status != StatusNotStarted {
		return ErrTxnFinalized
	}
	if n := len(t.Internal.events); n > 0 && timestamp < t.Internal.events[n-1].Time {
		return ErrMalformedTransaction
	}
	t.Internal.events = append(t.Internal.events, EventEntry{
		Event:   event,
		Time:    timestamp,
		Machine: machine,
	})
	return nil
}

// Events returns the ordered lifecycle trace. The returned slice is a copy;
// the trace itself can only grow through AppendEvent.
func (in *Internal) Events() []EventEntry {
	out := make([]EventEntry, len(in.events))
	copy(out, in.events)
	return out
}
