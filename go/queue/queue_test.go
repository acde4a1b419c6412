package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	var allowed = []struct{ from, to State }{
		{Pending, Processing},       // claim
		{Deferred, Processing},      // claim of a due deferred entry
		{Deferred, Unavailable},     // aging past the budget
		{Processing, Completed},     // success
		{Processing, Error},         // drain or embed failure
		{Processing, Deferred},      // transient exhausted
		{Processing, Unavailable},   // transient exhausted past budget
		{Processing, Pending},       // stale-lock reap
		{Error, Completed},          // drain completion mark
		{Error, Pending},            // operator retry
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	var denied = []struct{ from, to State }{
		{Pending, Completed},
		{Pending, Error},
		{Pending, Deferred},
		{Completed, Processing},
		{Completed, Pending},
		{Unavailable, Processing},
		{Unavailable, Pending},
		{Deferred, Completed},
		{Error, Processing},
	}
	for _, tc := range denied {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, Terminal(Completed))
	require.True(t, Terminal(Unavailable))

	for _, s := range []State{Pending, Processing, Error, Deferred} {
		require.False(t, Terminal(s), "%s", s)
	}
}

func TestPayloadScanRoundTrip(t *testing.T) {
	var in = Payload{
		Rubro:   "IVA. ACREDITAMIENTO.",
		Texto:   "El impuesto trasladado...",
		Epoca:   "Octava Época",
		Materia: "FISCAL",
		Anio:    1993,
		Mes:     6,
	}
	raw, err := in.Value()
	require.NoError(t, err)

	var out Payload
	require.NoError(t, out.Scan(raw))
	require.Equal(t, in, out)

	// NULL column leaves the payload zero-valued.
	var empty Payload
	require.NoError(t, empty.Scan(nil))
	require.Equal(t, Payload{}, empty)

	require.Error(t, empty.Scan(42))
}
