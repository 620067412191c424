// Package call runs the client call state machine. At most one call is live
// at a time; everything else arrives as a signal from the router and leaves
// through the Signaler.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/chat"
	"github.com/petervdpas/callsig/internal/metrics"
	"github.com/petervdpas/callsig/internal/mq"
	"github.com/petervdpas/callsig/internal/negotiation"
	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/util"
)

// ErrClosed is returned by actions on a closed Manager.
var ErrClosed = errors.New("call: manager closed")

const (
	defaultHistory = 50
	listenerBuffer = 8
	saveBuffer     = 64
)

// Options configure a Manager.
type Options struct {
	Self         calls.Caller
	RingTimeout  time.Duration
	SetupTimeout time.Duration
	HistorySize  int

	// Peers builds peer connections. Nil runs signaling only: calls reach
	// accepted but no media is negotiated.
	Peers negotiation.PeerFactory
	Media negotiation.MediaSource

	Recorder Recorder
	Log      zerolog.Logger

	NewID func() string
	Now   func() time.Time
}

// Manager owns the current call and the recent call history.
type Manager struct {
	sig  Signaler
	opts Options
	self string
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cur      *session
	incoming *calls.IncomingCall
	history  *util.RingBuffer[*calls.Call]
	statuses map[string]calls.Status
	ringTO   time.Duration
	setupTO  time.Duration
	notifier IncomingHandler
	closed   bool

	lmu       sync.Mutex
	listeners map[chan State]struct{}

	saveMu     sync.RWMutex
	saves      chan *calls.Call
	savesDone  chan struct{}
	saveClosed bool
}

// New creates a Manager. Wire HandleSignal into the router and the Manager
// itself in as the router's SessionLookup.
func New(sig Signaler, opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistory
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 45 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sig:       sig,
		opts:      opts,
		self:      opts.Self.UserID,
		log:       opts.Log.With().Str("self", opts.Self.UserID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		history:   util.NewRingBuffer[*calls.Call](opts.HistorySize),
		statuses:  make(map[string]calls.Status),
		ringTO:    opts.RingTimeout,
		setupTO:   opts.SetupTimeout,
		listeners: make(map[chan State]struct{}),
	}
	if opts.Recorder != nil {
		m.saves = make(chan *calls.Call, saveBuffer)
		m.savesDone = make(chan struct{})
		go m.saveLoop()
	}
	return m
}

// SetNotifier installs the handler that surfaces admitted invites.
func (m *Manager) SetNotifier(h IncomingHandler) {
	m.mu.Lock()
	m.notifier = h
	m.mu.Unlock()
}

// SetTimeouts changes the ring and setup timeouts for calls started after
// the call. Zero keeps the current value.
func (m *Manager) SetTimeouts(ring, setup time.Duration) {
	m.mu.Lock()
	if ring > 0 {
		m.ringTO = ring
	}
	if setup > 0 {
		m.setupTO = setup
	}
	m.mu.Unlock()
}

// SelfID returns the local user id.
func (m *Manager) SelfID() string { return m.self }

// ── Local actions ────────────────────────────────────────────────────────────

// Initiate starts an outgoing call to peer. The call is pending as soon as
// Initiate returns; a failed invite leaves it failed and returns the
// *calls.TransportError.
func (m *Manager) Initiate(ctx context.Context, peer string, typ calls.Type) (*calls.Call, error) {
	if peer == "" || peer == m.self {
		return nil, fmt.Errorf("%w: cannot call %q", calls.ErrInvalidCallState, peer)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: call type %q", calls.ErrInvalidCallState, typ)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.cur != nil {
		m.mu.Unlock()
		return nil, calls.ErrAlreadyInCall
	}
	c := calls.New(m.opts.NewID(), m.self, peer, typ, m.opts.Now())
	c.ConversationID = chat.ConversationID(m.self, peer)
	s := newSession(c, m.self)
	s.transitioning = true
	m.cur = s
	m.armRing(s)
	snap := c.Clone()
	m.mu.Unlock()

	m.log.Info().Str("call", c.ID).Str("peer", peer).Str("type", string(typ)).Msg("initiating call")
	m.changed(snap)

	err := m.sig.Send(ctx, signal.Signal{
		Kind:           signal.KindInvite,
		CallID:         c.ID,
		To:             peer,
		CallType:       typ,
		ConversationID: c.ConversationID,
	})

	m.mu.Lock()
	if m.cur != s {
		// Ended, timed out or lost a glare race while the invite was in flight.
		out := s.call.Clone()
		m.mu.Unlock()
		return out, err
	}
	s.transitioning = false
	if err != nil && s.call.Status == calls.StatusPending {
		e := m.finishLocked(s, calls.StatusFailed, err.Error())
		m.mu.Unlock()
		m.afterFinish(e)
		m.log.Warn().Err(err).Str("call", c.ID).Msg("invite failed")
		return nil, err
	}
	out := s.call.Clone()
	m.mu.Unlock()
	return out, nil
}

// Accept answers the ringing incoming call. If the accept cannot be
// delivered the call keeps ringing, the IncomingCall stays visible and the
// *calls.TransportError is returned so the user can retry.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.ID != callID || s.outgoing {
		m.mu.Unlock()
		return fmt.Errorf("%w: no incoming call %s", calls.ErrInvalidCallState, callID)
	}
	if s.transitioning {
		m.mu.Unlock()
		return calls.ErrSessionBusy
	}
	if s.call.Status != calls.StatusRinging {
		st := s.call.Status
		m.mu.Unlock()
		return &calls.TransitionError{CallID: callID, From: st, To: calls.StatusAccepted}
	}
	s.transitioning = true
	peer, conv := s.peer, s.call.ConversationID
	m.mu.Unlock()

	err := m.sig.Send(ctx, signal.Signal{Kind: signal.KindAccept, CallID: callID, To: peer, ConversationID: conv})

	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: call %s ended while accepting", calls.ErrInvalidCallState, callID)
	}
	s.transitioning = false
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("call", callID).Msg("accept not delivered; still ringing")
		return err
	}
	if err := m.acceptLocked(s, negotiation.Answerer); err != nil {
		m.mu.Unlock()
		return err
	}
	notifier := m.notifier
	snap := s.call.Clone()
	m.mu.Unlock()

	m.log.Info().Str("call", callID).Str("peer", peer).Msg("call accepted")
	if notifier != nil {
		notifier.Cancel(callID)
	}
	m.changed(snap)
	return nil
}

// Reject declines the ringing incoming call. The call is rejected locally
// even when the reject cannot be delivered; the delivery error is returned.
// Rejecting a call that already reached a terminal status returns a
// *calls.TransitionError.
func (m *Manager) Reject(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	if st, ok := m.statuses[callID]; ok && st.IsTerminal() {
		m.mu.Unlock()
		return &calls.TransitionError{CallID: callID, From: st, To: calls.StatusRejected}
	}
	s := m.cur
	if s == nil || s.call.ID != callID || s.outgoing {
		m.mu.Unlock()
		return fmt.Errorf("%w: no incoming call %s", calls.ErrInvalidCallState, callID)
	}
	if s.transitioning {
		m.mu.Unlock()
		return calls.ErrSessionBusy
	}
	if s.call.Status != calls.StatusRinging {
		st := s.call.Status
		m.mu.Unlock()
		return &calls.TransitionError{CallID: callID, From: st, To: calls.StatusRejected}
	}
	peer, conv := s.peer, s.call.ConversationID
	e := m.finishLocked(s, calls.StatusRejected, reason)
	m.mu.Unlock()
	m.afterFinish(e)

	m.log.Info().Str("call", callID).Str("reason", reason).Msg("call rejected")
	return m.sig.Send(ctx, signal.Signal{Kind: signal.KindReject, CallID: callID, To: peer, ConversationID: conv, Reason: reason})
}

// End hangs up callID from any live state: it cancels an outgoing invite,
// halts negotiation and releases local media. Ending a call that already
// reached a terminal status changes nothing and returns a
// *calls.TransitionError.
func (m *Manager) End(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	if st, ok := m.statuses[callID]; ok && st.IsTerminal() {
		m.mu.Unlock()
		return &calls.TransitionError{CallID: callID, From: st, To: calls.StatusEnded}
	}
	s := m.cur
	if s == nil || s.call.ID != callID {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown call %s", calls.ErrInvalidCallState, callID)
	}
	peer, conv := s.peer, s.call.ConversationID
	e := m.finishLocked(s, calls.StatusEnded, reason)
	m.mu.Unlock()
	m.afterFinish(e)

	m.log.Info().Str("call", callID).Str("reason", reason).Msg("call ended")
	return m.sig.Send(ctx, signal.Signal{Kind: signal.KindEnd, CallID: callID, To: peer, ConversationID: conv, Reason: reason})
}

// ToggleAudio flips the local microphone and returns the new state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(negotiation.TrackAudio)
}

// ToggleVideo flips the local camera and returns the new state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(negotiation.TrackVideo)
}

func (m *Manager) toggle(kind negotiation.TrackKind) (bool, error) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.Status != calls.StatusAccepted {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: no active call", calls.ErrInvalidCallState)
	}
	if kind == negotiation.TrackVideo && s.call.Type != calls.TypeVideo {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: voice call has no video", calls.ErrInvalidCallState)
	}
	on := !s.audio
	if kind == negotiation.TrackVideo {
		on = !s.video
	}
	s.setTrack(kind, on)
	neg := s.neg
	m.mu.Unlock()

	if neg != nil {
		if err := neg.SetTrackEnabled(kind, on); err != nil && !errors.Is(err, negotiation.ErrNoMedia) {
			return on, err
		}
	}
	m.publish()
	return on, nil
}

// SwitchCamera cycles the local camera on an active video call.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.Status != calls.StatusAccepted || s.call.Type != calls.TypeVideo || s.neg == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no active video call", calls.ErrInvalidCallState)
	}
	neg := s.neg
	m.mu.Unlock()
	return neg.SwitchCamera(ctx)
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Current returns the live call record, if any.
func (m *Manager) Current() *calls.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.call.Clone()
}

// Active returns the ActiveCall once the current call is accepted.
func (m *Manager) Active() *calls.ActiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.active.Clone()
}

// Incoming returns the invite awaiting a decision, if any.
func (m *Manager) Incoming() *calls.IncomingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneIncoming(m.incoming)
}

// History returns recently finished calls, oldest first.
func (m *Manager) History() []*calls.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCalls(m.history.Snapshot())
}

// Snapshot returns the full observable state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	st := State{
		Incoming: cloneIncoming(m.incoming),
		Recent:   cloneCalls(m.history.Snapshot()),
	}
	if m.cur != nil {
		st.Call = m.cur.call.Clone()
		st.Active = m.cur.active.Clone()
	}
	return st
}

// StatusOf reports the status of the live call or a remembered one.
func (m *Manager) StatusOf(callID string) (calls.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.call.ID == callID {
		return m.cur.call.Status, true
	}
	st, ok := m.statuses[callID]
	return st, ok
}

// Subscribe streams state snapshots after every change. Slow readers miss
// intermediate snapshots, never the latest one they manage to read.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, listenerBuffer)
	m.lmu.Lock()
	m.listeners[ch] = struct{}{}
	m.lmu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.lmu.Lock()
			if _, ok := m.listeners[ch]; ok {
				delete(m.listeners, ch)
				close(ch)
			}
			m.lmu.Unlock()
		})
	}
}

// ── Inbound signals ──────────────────────────────────────────────────────────

// HandleSignal applies one routed signal. It runs on the connection read
// loop and never blocks on the network.
func (m *Manager) HandleSignal(sig signal.Signal) {
	switch sig.Kind {
	case signal.KindInvite:
		m.onInvite(sig)
	case signal.KindAccept:
		m.onAccept(sig)
	case signal.KindReject, signal.KindEnd:
		m.onHangup(sig)
	case signal.KindOffer, signal.KindAnswer, signal.KindICE:
		m.onNegotiation(sig)
	case signal.KindError:
		m.onError(sig)
	}
}

func (m *Manager) onInvite(sig signal.Signal) {
	log := m.log.With().Str("call", sig.CallID).Str("from", sig.From).Logger()
	if sig.To != "" && sig.To != m.self {
		log.Debug().Str("to", sig.To).Msg("invite not addressed to us")
		return
	}
	if !sig.CallType.Valid() {
		log.Warn().Str("type", string(sig.CallType)).Msg("invite with unknown call type")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.statuses[sig.CallID]; ok {
		m.mu.Unlock()
		log.Debug().Msg("invite for finished call")
		return
	}
	if s := m.cur; s != nil {
		switch {
		case s.call.ID == sig.CallID:
			m.mu.Unlock()
			log.Debug().Msg("duplicate invite")
			return

		case s.outgoing && s.call.Status == calls.StatusPending && s.peer == sig.From:
			if s.call.ID < sig.CallID {
				m.mu.Unlock()
				log.Info().Str("ours", s.call.ID).Msg("glare: keeping our call")
				return
			}
			e := m.finishLocked(s, calls.StatusEnded, "glare")
			ns := m.adoptLocked(sig)
			snap := ns.call.Clone()
			m.mu.Unlock()

			log.Info().Str("ours", s.call.ID).Msg("glare: yielding to peer call")
			m.afterFinish(e)
			m.changed(snap)
			m.async(func(ctx context.Context) {
				if err := m.Accept(ctx, sig.CallID); err != nil {
					log.Warn().Err(err).Msg("glare: accept failed")
				}
			})
			return

		default:
			m.mu.Unlock()
			log.Info().Str("current", s.call.ID).Msg("busy: dropping invite")
			return
		}
	}

	if n := m.notifier; n != nil && !n.Admit(sig) {
		m.mu.Unlock()
		metrics.RecordDrop(metrics.DropOpenConv)
		log.Debug().Msg("invite suppressed in open conversation")
		return
	}
	s := m.adoptLocked(sig)
	ic := &calls.IncomingCall{
		CallID:    sig.CallID,
		Call:      s.call.Clone(),
		Caller:    s.remote,
		Timestamp: m.opts.Now(),
	}
	m.incoming = ic
	notifier := m.notifier
	snap := s.call.Clone()
	ring := cloneIncoming(ic)
	m.mu.Unlock()

	log.Info().Str("type", string(sig.CallType)).Str("channel", string(sig.Channel)).Msg("incoming call")
	m.changed(snap)
	if notifier != nil {
		notifier.Ring(ring)
	}
}

// adoptLocked makes sig's call the current session, ringing.
func (m *Manager) adoptLocked(sig signal.Signal) *session {
	now := m.opts.Now()
	c := calls.New(sig.CallID, sig.From, m.self, sig.CallType, now)
	c.ConversationID = sig.ConversationID
	if c.ConversationID == "" {
		c.ConversationID = chat.ConversationID(m.self, sig.From)
	}
	_ = c.Transition(calls.StatusRinging, now)

	s := newSession(c, m.self)
	s.remote = calls.Caller{UserID: sig.From}
	if sig.Caller != nil {
		s.remote = *sig.Caller
	}
	m.cur = s
	m.armRing(s)
	return s
}

func (m *Manager) onAccept(sig signal.Signal) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.ID != sig.CallID || !s.outgoing || s.call.Status != calls.StatusPending {
		m.mu.Unlock()
		m.log.Debug().Str("call", sig.CallID).Msg("accept for no pending call")
		return
	}
	if sig.From != "" && sig.From != s.peer {
		m.mu.Unlock()
		m.log.Warn().Str("call", sig.CallID).Str("from", sig.From).Msg("accept from non-participant")
		return
	}
	if err := m.acceptLocked(s, negotiation.Offerer); err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("call", sig.CallID).Msg("cannot accept")
		return
	}
	snap := s.call.Clone()
	m.mu.Unlock()

	m.log.Info().Str("call", sig.CallID).Str("peer", s.peer).Msg("call accepted by peer")
	m.changed(snap)
}

// acceptLocked moves s to accepted, builds the ActiveCall and starts
// negotiation in role.
func (m *Manager) acceptLocked(s *session, role negotiation.Role) error {
	now := m.opts.Now()
	if err := s.call.Transition(calls.StatusAccepted, now); err != nil {
		return err
	}
	s.stopTimers()
	if m.incoming != nil && m.incoming.CallID == s.call.ID {
		m.incoming = nil
	}
	s.active = &calls.ActiveCall{
		CallID: s.call.ID,
		Type:   s.call.Type,
		Status: calls.StatusAccepted,
		Participants: []calls.Participant{
			{
				UserID:       m.self,
				DisplayName:  m.opts.Self.DisplayName,
				Avatar:       m.opts.Self.Avatar,
				Ready:        true,
				AudioEnabled: s.audio,
				VideoEnabled: s.video,
			},
			{
				UserID:       s.peer,
				DisplayName:  s.remote.DisplayName,
				Avatar:       s.remote.Avatar,
				Ready:        true,
				AudioEnabled: true,
				VideoEnabled: s.call.Type == calls.TypeVideo,
			},
		},
		StartTime: now,
	}

	if m.opts.Peers == nil {
		s.early = nil
		return nil
	}
	s.setupTimer = time.AfterFunc(m.setupTO, func() { m.onSetupTimeout(s) })
	s.neg = negotiation.New(negotiation.Config{
		CallID:      s.call.ID,
		Self:        m.self,
		Peer:        s.peer,
		Role:        role,
		Constraints: calls.ConstraintsFor(s.call.Type),
		Peers:       m.opts.Peers,
		Media:       m.opts.Media,
		Sender:      m,
		Log:         m.log,
		OnConnected: func(ok bool) { m.onConnected(s, ok) },
		OnFailure:   func(err error) { m.onFailure(s, err) },
	})
	for _, ws := range s.early {
		if err := s.neg.HandleRemote(ws); err != nil {
			m.log.Warn().Err(err).Str("call", s.call.ID).Msg("early negotiation signal")
		}
	}
	s.early = nil
	return nil
}

func (m *Manager) onHangup(sig signal.Signal) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.ID != sig.CallID {
		m.mu.Unlock()
		m.log.Debug().Str("call", sig.CallID).Str("kind", string(sig.Kind)).Msg("hangup for unknown call")
		return
	}
	if sig.From != "" && sig.From != s.peer {
		m.mu.Unlock()
		m.log.Warn().Str("call", sig.CallID).Str("from", sig.From).Msg("hangup from non-participant")
		return
	}
	next := calls.StatusEnded
	if sig.Kind == signal.KindReject && s.call.Status.Rank() < calls.StatusAccepted.Rank() {
		next = calls.StatusRejected
	}
	e := m.finishLocked(s, next, sig.Reason)
	m.mu.Unlock()

	m.log.Info().Str("call", sig.CallID).Str("status", string(next)).Str("reason", sig.Reason).Msg("call closed by peer")
	m.afterFinish(e)
}

func (m *Manager) onError(sig signal.Signal) {
	m.mu.Lock()
	s := m.cur
	match := s != nil && (sig.CallID == s.call.ID ||
		(sig.CallID == "" && sig.Event == mq.TopicCallInitiate && s.outgoing && s.call.Status == calls.StatusPending))
	if !match {
		m.mu.Unlock()
		m.log.Warn().Str("call", sig.CallID).Str("event", sig.Event).Str("message", sig.Message).Msg("relay error")
		return
	}
	reason := sig.Message
	if reason == "" {
		reason = "relay error"
	}
	e := m.finishLocked(s, calls.StatusFailed, reason)
	m.mu.Unlock()

	m.log.Warn().Str("call", s.call.ID).Str("reason", reason).Msg("call failed")
	m.afterFinish(e)
}

func (m *Manager) onNegotiation(sig signal.Signal) {
	ws, ok := sig.WebRTC()
	if !ok {
		return
	}
	m.mu.Lock()
	s := m.cur
	if s == nil || s.call.ID != sig.CallID {
		m.mu.Unlock()
		m.log.Debug().Str("call", sig.CallID).Str("kind", string(sig.Kind)).Msg("negotiation for unknown call")
		return
	}
	if sig.From != "" && sig.From != s.peer {
		m.mu.Unlock()
		m.log.Warn().Str("call", sig.CallID).Str("from", sig.From).Msg("negotiation from non-participant")
		return
	}
	neg := s.neg
	if neg == nil {
		if m.opts.Peers != nil && s.call.Status.Rank() < calls.StatusAccepted.Rank() && !s.hold(ws) {
			m.log.Warn().Str("call", sig.CallID).Msg("too many early negotiation signals")
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := neg.HandleRemote(ws); err != nil {
		m.log.Warn().Err(err).Str("call", sig.CallID).Msg("negotiation signal rejected")
	}
}

// SendWebRTC sends a negotiation message for the controller.
func (m *Manager) SendWebRTC(ctx context.Context, ws calls.WebRTCSignal) error {
	sig, err := signal.FromWebRTC(ws)
	if err != nil {
		return err
	}
	return m.sig.Send(ctx, sig)
}

// ── Timers and negotiation callbacks ─────────────────────────────────────────

func (m *Manager) armRing(s *session) {
	s.ringTimer = time.AfterFunc(m.ringTO, func() { m.onRingTimeout(s) })
}

func (m *Manager) onRingTimeout(s *session) {
	m.mu.Lock()
	if m.cur != s || s.call.Status.Rank() >= calls.StatusAccepted.Rank() {
		m.mu.Unlock()
		return
	}
	e := m.finishLocked(s, calls.StatusMissed, calls.ErrRingTimeout.Error())
	m.mu.Unlock()

	m.log.Info().Str("call", s.call.ID).Bool("outgoing", s.outgoing).Msg("call missed")
	m.afterFinish(e)
	if e != nil && s.outgoing {
		// The callee's timer started later; withdraw the invite.
		m.sayBye(s, "timeout")
	}
}

func (m *Manager) onSetupTimeout(s *session) {
	m.mu.Lock()
	if m.cur != s || s.call.Status != calls.StatusAccepted || (s.active != nil && s.active.Connected) {
		m.mu.Unlock()
		return
	}
	e := m.finishLocked(s, calls.StatusFailed, calls.ErrSetupTimeout.Error())
	m.mu.Unlock()

	m.log.Warn().Str("call", s.call.ID).Msg("call setup timed out")
	m.afterFinish(e)
	m.sayBye(s, "setup timeout")
}

func (m *Manager) onConnected(s *session, ok bool) {
	m.mu.Lock()
	if m.cur != s || s.active == nil {
		m.mu.Unlock()
		return
	}
	s.active.Connected = ok
	if ok && s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	m.mu.Unlock()

	m.log.Info().Str("call", s.call.ID).Bool("connected", ok).Msg("media connectivity")
	m.publish()
}

func (m *Manager) onFailure(s *session, err error) {
	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}
	e := m.finishLocked(s, calls.StatusFailed, err.Error())
	m.mu.Unlock()

	m.log.Warn().Err(err).Str("call", s.call.ID).Msg("negotiation failed")
	m.afterFinish(e)
	m.sayBye(s, "negotiation failed")
}

// sayBye tells the peer a call we failed locally is over.
func (m *Manager) sayBye(s *session, reason string) {
	sig := signal.Signal{Kind: signal.KindEnd, CallID: s.call.ID, To: s.peer, ConversationID: s.call.ConversationID, Reason: reason}
	m.async(func(ctx context.Context) {
		if err := m.sig.Send(ctx, sig); err != nil {
			m.log.Debug().Err(err).Str("call", sig.CallID).Msg("end not delivered")
		}
	})
}

// ── Terminal bookkeeping ─────────────────────────────────────────────────────

type finished struct {
	call     *calls.Call
	neg      *negotiation.Controller
	withdraw IncomingHandler
}

// finishLocked moves s to the terminal status st and detaches it. It
// returns nil when s already finished.
func (m *Manager) finishLocked(s *session, st calls.Status, reason string) *finished {
	if s.neg != nil {
		if q := s.neg.Quality(); q != nil {
			s.call.Quality = q
		}
	}
	now := m.opts.Now()
	var err error
	if st == calls.StatusFailed {
		err = s.call.Fail(reason, now)
	} else {
		err = s.call.Transition(st, now)
	}
	if err != nil {
		return nil
	}
	s.stopTimers()
	s.early = nil
	if s.active != nil {
		s.active.Status = st
	}

	f := &finished{call: s.call.Clone(), neg: s.neg}
	s.neg = nil
	if m.incoming != nil && m.incoming.CallID == s.call.ID {
		m.incoming = nil
		f.withdraw = m.notifier
	}
	if m.cur == s {
		m.cur = nil
	}
	if old, evicted := m.history.Push(f.call.Clone()); evicted {
		delete(m.statuses, old.ID)
	}
	m.statuses[s.call.ID] = st
	return f
}

func (m *Manager) afterFinish(f *finished) {
	if f == nil {
		return
	}
	if f.neg != nil {
		f.neg.Close()
	}
	if f.withdraw != nil {
		f.withdraw.Cancel(f.call.ID)
	}
	m.changed(f.call)
}

// changed records a call transition: metrics, persistence, listeners.
func (m *Manager) changed(c *calls.Call) {
	metrics.RecordCall(string(c.Status))
	if c.Status.IsTerminal() {
		metrics.ActiveCalls.Set(0)
	} else {
		metrics.ActiveCalls.Set(1)
	}
	m.persist(c)
	m.publish()
}

func (m *Manager) persist(c *calls.Call) {
	if m.saves == nil {
		return
	}
	m.saveMu.RLock()
	defer m.saveMu.RUnlock()
	if m.saveClosed {
		return
	}
	select {
	case m.saves <- c:
	default:
		m.log.Warn().Str("call", c.ID).Msg("history writer behind; dropping record")
	}
}

func (m *Manager) saveLoop() {
	defer close(m.savesDone)
	for c := range m.saves {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := m.opts.Recorder.SaveCall(ctx, c); err != nil {
			m.log.Warn().Err(err).Str("call", c.ID).Msg("save call")
		}
		cancel()
	}
}

func (m *Manager) publish() {
	st := m.Snapshot()
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

// async runs fn on a tracked goroutine bounded by the connect timeout.
func (m *Manager) async(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, util.DefaultConnectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Close ends the live call, telling the peer when possible, and stops all
// background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	s := m.cur
	var f *finished
	var bye signal.Signal
	if s != nil {
		bye = signal.Signal{Kind: signal.KindEnd, CallID: s.call.ID, To: s.peer, ConversationID: s.call.ConversationID, Reason: "shutdown"}
		f = m.finishLocked(s, calls.StatusEnded, "shutdown")
	}
	m.mu.Unlock()

	if f != nil {
		m.afterFinish(f)
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := m.sig.Send(ctx, bye); err != nil {
			m.log.Debug().Err(err).Msg("end on shutdown not delivered")
		}
		cancel()
	}

	m.cancel()
	m.wg.Wait()

	if m.saves != nil {
		m.saveMu.Lock()
		m.saveClosed = true
		close(m.saves)
		m.saveMu.Unlock()
		<-m.savesDone
	}

	m.lmu.Lock()
	for ch := range m.listeners {
		delete(m.listeners, ch)
		close(ch)
	}
	m.lmu.Unlock()
}

func cloneIncoming(ic *calls.IncomingCall) *calls.IncomingCall {
	if ic == nil {
		return nil
	}
	cp := *ic
	cp.Call = ic.Call.Clone()
	return &cp
}

func cloneCalls(in []*calls.Call) []*calls.Call {
	out := make([]*calls.Call, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
