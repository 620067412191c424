package calls

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminalStatusesAcceptNoTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRinging, StatusAccepted, StatusEnded, StatusRejected, StatusMissed, StatusFailed}
	for _, from := range []Status{StatusEnded, StatusRejected, StatusMissed, StatusFailed} {
		require.True(t, from.IsTerminal())
		for _, to := range all {
			require.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	for from, nexts := range validTransitions {
		for _, to := range nexts {
			require.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
		}
	}
}

func TestCallLifecycleStampsTimes(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := New("c1", "alice", "bob", TypeVideo, t0)
	require.Equal(t, StatusPending, c.Status)

	require.NoError(t, c.Transition(StatusAccepted, t0.Add(time.Second)))
	require.NotNil(t, c.StartTime)

	require.NoError(t, c.Transition(StatusEnded, t0.Add(31*time.Second)))
	require.Equal(t, 30, c.Duration)
	require.NotNil(t, c.EndTime)

	err := c.Transition(StatusAccepted, t0.Add(time.Minute))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidCallState))
	require.Equal(t, StatusEnded, c.Status)
}

func TestFailRecordsReason(t *testing.T) {
	c := New("c2", "alice", "bob", TypeVoice, time.Now())
	require.NoError(t, c.Fail("no media", time.Now()))
	require.Equal(t, StatusFailed, c.Status)
	require.Equal(t, "no media", c.FailureReason)
	require.Zero(t, c.Duration)
}

func TestCloneIsIndependent(t *testing.T) {
	c := New("c3", "alice", "bob", TypeVoice, time.Now())
	require.NoError(t, c.Transition(StatusAccepted, time.Now()))
	cp := c.Clone()
	*cp.StartTime = cp.StartTime.Add(time.Hour)
	require.NotEqual(t, *c.StartTime, *cp.StartTime)
	require.Equal(t, "bob", c.Peer("alice"))
	require.Equal(t, "alice", c.Peer("bob"))
}

func TestRetryableOnlyForTransport(t *testing.T) {
	require.True(t, IsRetryable(&TransportError{Op: "send", Err: errors.New("eof")}))
	require.False(t, IsRetryable(&NegotiationError{Step: "offer", Err: errors.New("x")}))
	require.False(t, IsRetryable(ErrInvalidCallState))
}
