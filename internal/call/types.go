package call

import (
	"context"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/signal"
)

// Signaler is the only surface the call package needs from the signal
// layer. *signal.Router satisfies it.
type Signaler interface {
	Send(ctx context.Context, sig signal.Signal) error
}

// Recorder persists call records. Calls arrive in transition order.
type Recorder interface {
	SaveCall(ctx context.Context, c *calls.Call) error
}

// State is the externally observed call state.
type State struct {
	Call     *calls.Call         `json:"call,omitempty"`
	Active   *calls.ActiveCall   `json:"active,omitempty"`
	Incoming *calls.IncomingCall `json:"incoming,omitempty"`
	Recent   []*calls.Call       `json:"recent,omitempty"`
}

// IncomingHandler surfaces admitted invites to a human (or a policy).
type IncomingHandler interface {
	// Admit decides whether an invite becomes an IncomingCall at all.
	Admit(sig signal.Signal) bool
	// Ring is called once per new IncomingCall. It must not block.
	Ring(ic *calls.IncomingCall)
	// Cancel withdraws the IncomingCall for callID (answered elsewhere,
	// ended by the caller, timed out).
	Cancel(callID string)
}
