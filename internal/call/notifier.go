package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/util"
)

// Decision is the answer to an incoming call.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionAccept
	DecisionReject
)

// Decider produces a decision for an incoming call. It must return when
// ctx is cancelled.
type Decider interface {
	Decide(ctx context.Context, ic *calls.IncomingCall) (Decision, error)
}

// Answerer is the part of Manager the notifier drives.
type Answerer interface {
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
}

// Surface shows an accepted call to the user.
type Surface interface {
	Open(callID string)
}

// NotifierOptions tune a Notifier.
type NotifierOptions struct {
	// SuppressInOpenConversation drops invites arriving in the conversation
	// the user already has open; the chat view shows them instead.
	SuppressInOpenConversation bool
	Surface                    Surface
}

// Notifier turns admitted invites into decisions. With a nil Decider it
// only logs; the user answers through the HTTP API.
type Notifier struct {
	calls   Answerer
	decider Decider
	opts    NotifierOptions
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier answering through a.
func NewNotifier(a Answerer, d Decider, logger zerolog.Logger, opts NotifierOptions) *Notifier {
	return &Notifier{
		calls:   a,
		decider: d,
		opts:    opts,
		log:     logger,
		pending: make(map[string]context.CancelFunc),
	}
}

// Admit implements IncomingHandler. It runs under the Manager lock and must
// not call back into it.
func (n *Notifier) Admit(sig signal.Signal) bool {
	return !(n.opts.SuppressInOpenConversation && sig.InOpenConversation)
}

// Ring implements IncomingHandler.
func (n *Notifier) Ring(ic *calls.IncomingCall) {
	n.log.Info().Str("call", ic.CallID).Str("from", ic.Caller.UserID).Str("type", string(ic.Call.Type)).Msg("ringing")
	if n.decider == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.pending[ic.CallID] = cancel
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		defer n.forget(ic.CallID)
		n.decide(ctx, ic)
	}()
}

func (n *Notifier) decide(ctx context.Context, ic *calls.IncomingCall) {
	d, err := n.decider.Decide(ctx, ic)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		n.log.Warn().Err(err).Str("call", ic.CallID).Msg("no decision; call keeps ringing")
		return
	}

	// Answering withdraws the ring, which cancels ctx.
	actx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	switch d {
	case DecisionAccept:
		if err := n.calls.Accept(actx, ic.CallID); err != nil {
			n.log.Warn().Err(err).Str("call", ic.CallID).Msg("accept")
			return
		}
		if n.opts.Surface != nil {
			n.opts.Surface.Open(ic.CallID)
		}
	case DecisionReject:
		if err := n.calls.Reject(actx, ic.CallID, "declined"); err != nil {
			n.log.Warn().Err(err).Str("call", ic.CallID).Msg("reject")
		}
	}
}

func (n *Notifier) forget(callID string) {
	n.mu.Lock()
	if cancel, ok := n.pending[callID]; ok {
		cancel()
		delete(n.pending, callID)
	}
	n.mu.Unlock()
}

// Cancel implements IncomingHandler: a pending decision for callID is
// abandoned.
func (n *Notifier) Cancel(callID string) {
	n.mu.Lock()
	cancel, ok := n.pending[callID]
	n.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close abandons every pending decision and waits for the deciders.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	for _, cancel := range n.pending {
		cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// AutoDecider answers every call the same way after Delay.
type AutoDecider struct {
	Decision Decision
	Delay    time.Duration
}

func (a AutoDecider) Decide(ctx context.Context, _ *calls.IncomingCall) (Decision, error) {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return DecisionNone, ctx.Err()
		}
	}
	return a.Decision, nil
}

// ConsoleDecider asks on the terminal.
type ConsoleDecider struct{}

const (
	optAccept = "Accept"
	optReject = "Reject"
)

func (ConsoleDecider) Decide(ctx context.Context, ic *calls.IncomingCall) (Decision, error) {
	who := ic.Caller.DisplayName
	if who == "" {
		who = ic.Caller.UserID
	}
	pterm.Println()
	pterm.Info.Printfln("Incoming %s call from %s", ic.Call.Type, who)

	type answer struct {
		choice string
		err    error
	}
	ch := make(chan answer, 1)
	go func() {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{optAccept, optReject}).
			WithDefaultText(fmt.Sprintf("Answer call %s", ic.CallID)).
			Show()
		ch <- answer{choice, err}
	}()

	select {
	case <-ctx.Done():
		pterm.Warning.Printfln("Call %s is no longer ringing", ic.CallID)
		return DecisionNone, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return DecisionNone, a.err
		}
		if a.choice == optAccept {
			return DecisionAccept, nil
		}
		return DecisionReject, nil
	}
}
