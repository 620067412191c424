package calls

import "fmt"

// Status is the call lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"
	StatusFailed   Status = "failed"
)

var validTransitions = map[Status][]Status{
	StatusPending:  {StatusRinging, StatusAccepted, StatusRejected, StatusMissed, StatusFailed, StatusEnded},
	StatusRinging:  {StatusAccepted, StatusRejected, StatusMissed, StatusFailed, StatusEnded},
	StatusAccepted: {StatusEnded, StatusFailed},
	StatusEnded:    {},
	StatusRejected: {},
	StatusMissed:   {},
	StatusFailed:   {},
}

// CanTransitionTo checks if moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed, StatusFailed:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle; every terminal status shares
// the highest rank. Unknown statuses rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRinging:
		return 2
	case StatusAccepted:
		return 3
	case StatusEnded, StatusRejected, StatusMissed, StatusFailed:
		return 4
	}
	return 0
}

// TransitionError reports a move the state machine refused.
type TransitionError struct {
	CallID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s: transition %s -> %s not allowed", e.CallID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidCallState) match refused transitions.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidCallState
}
