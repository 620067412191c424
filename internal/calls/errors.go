package calls

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedSignal marks a call payload that failed decoding or shape
	// validation. It is logged and dropped, never surfaced to the transport.
	ErrMalformedSignal = errors.New("malformed call signal")

	// ErrAlreadyInCall is returned when initiate/accept runs while another
	// session is live.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrInvalidCallState is returned when an action targets an unknown or
	// terminal call.
	ErrInvalidCallState = errors.New("invalid call state")

	// ErrSessionBusy is returned when a session is already mid-transition.
	ErrSessionBusy = errors.New("call session is transitioning")

	// ErrRingTimeout is the failure reason recorded when nobody answered.
	ErrRingTimeout = errors.New("ring timeout")

	// ErrSetupTimeout is recorded when negotiation does not finish in time.
	ErrSetupTimeout = errors.New("call setup timeout")
)

// TransportError wraps a send or connect failure. The operation that hit it
// may be retried by the user.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NegotiationError wraps a media acquisition or handshake failure. It always
// forces the owning call to failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err leaves the call decidable for another try.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
