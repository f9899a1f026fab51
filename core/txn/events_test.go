package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendEvent_OrderedTrace(t *testing.T) {
	txn := newTestTransaction(t, "a")

	steps := []struct {
		event   Event
		time    int64
		machine uint32
	}{
		{EventEnterServer, 100, 0},
		{EventExitServerToForwarder, 150, 0},
		{EventEnterForwarder, 200, 1},
		{EventEnterSequencer, 260, 1},
		{EventEnterScheduler, 300, 2},
		{EventDispatched, 300, 2}, // equal timestamps are allowed
		{EventEnterWorker, 420, 3},
		{EventExitWorker, 500, 3},
	}
	for _, step := range steps {
		require.NoError(t, txn.AppendEvent(step.event, step.time, step.machine))
	}

	trace := txn.Internal.Events()
	require.Len(t, trace, len(steps))
	for i, step := range steps {
		require.Equal(t, step.event, trace[i].Event)
		require.Equal(t, step.time, trace[i].Time)
		require.Equal(t, step.machine, trace[i].Machine)
	}
}

func TestAppendEvent_RejectsTimeGoingBackwards(t *testing.T) {
	txn := newTestTransaction(t, "a")
	require.NoError(t, txn.AppendEvent(EventEnterServer, 100, 0))
	require.ErrorIs(t, txn.AppendEvent(EventEnterForwarder, 99, 0), ErrMalformedTransaction)
	require.Len(t, txn.Internal.Events(), 1)
}

func TestAppendEvent_FrozenAfterTerminalStatus(t *testing.T) {
	committed := newTestTransaction(t, "a")
	require.NoError(t, committed.AppendEvent(EventEnterServer, 100, 0))
	require.NoError(t, committed.Commit())
	require.ErrorIs(t, committed.AppendEvent(EventExitServerToClient, 200, 0), ErrTxnFinalized)
	require.Len(t, committed.Internal.Events(), 1)

	aborted := newTestTransaction(t, "a")
	require.NoError(t, aborted.Abort("lock conflict on key a"))
	require.ErrorIs(t, aborted.AppendEvent(EventEnterServer, 100, 0), ErrTxnFinalized)
	require.Empty(t, aborted.Internal.Events())
}

func TestEvents_ReturnsACopy(t *testing.T) {
	txn := newTestTransaction(t, "a")
	require.NoError(t, txn.AppendEvent(EventEnterServer, 100, 0))

	trace := txn.Internal.Events()
	trace[0].Event = EventExitServerToClient
	trace[0].Time = 999

	fresh := txn.Internal.Events()
	require.Equal(t, EventEnterServer, fresh[0].Event)
	require.Equal(t, int64(100), fresh[0].Time)
}

func TestEvent_WireValuesAreStable(t *testing.T) {
	// These values are persisted; renumbering them breaks every external
	// trace consumer.
	require.Equal(t, Event(0), EventAll)
	require.Equal(t, Event(1), EventEnterServer)
	require.Equal(t, Event(5), EventExitForwarderToMHOrderer)
	require.Equal(t, Event(10), EventEnterSequencer)
	require.Equal(t, Event(16), EventDispatched)
	require.Equal(t, Event(20), EventExitServerToClient)

	require.Equal(t, "ENTER_SERVER", EventEnterServer.String())
	require.Equal(t, "EXIT_SERVER_TO_CLIENT", EventExitServerToClient.String())
	require.Equal(t, "INVALID_EVENT", Event(99).String())
}
