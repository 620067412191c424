// Package negotiationtest provides in-memory peers, media and senders for
// driving negotiation without pion.
package negotiationtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/negotiation"
)

// Peer is a scripted PeerConnection. Every call is appended to Log.
type Peer struct {
	mu      sync.Mutex
	log     []string
	onICE   func(negotiation.ICECandidate)
	onState func(negotiation.ConnState)
	closed  bool

	// GatherOnSetLocal is emitted through OnICECandidate during
	// SetLocalDescription, the way a real stack starts gathering.
	GatherOnSetLocal []negotiation.ICECandidate
	FailStep         string
	Quality          calls.Quality

	// AfterSetLocal runs once a local description has been applied.
	AfterSetLocal func()
}

func (p *Peer) record(format string, args ...any) error {
	entry := fmt.Sprintf(format, args...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, entry)
	if p.closed {
		return errors.New("peer closed")
	}
	if p.FailStep != "" && p.FailStep == entry {
		return errors.New("scripted failure: " + entry)
	}
	return nil
}

func (p *Peer) CreateOffer() (string, error) {
	return "offer-sdp", p.record("create-offer")
}

func (p *Peer) CreateAnswer() (string, error) {
	return "answer-sdp", p.record("create-answer")
}

func (p *Peer) SetLocalDescription(t negotiation.SDPType, sdp string) error {
	if err := p.record("set-local %s", t); err != nil {
		return err
	}
	p.mu.Lock()
	fn, cands, after := p.onICE, p.GatherOnSetLocal, p.AfterSetLocal
	p.mu.Unlock()
	if fn != nil {
		for _, c := range cands {
			fn(c)
		}
	}
	if after != nil {
		after()
	}
	return nil
}

func (p *Peer) SetRemoteDescription(t negotiation.SDPType, sdp string) error {
	return p.record("set-remote %s %s", t, sdp)
}

func (p *Peer) AddICECandidate(c negotiation.ICECandidate) error {
	return p.record("add-ice %s", c.Candidate)
}

func (p *Peer) OnICECandidate(fn func(negotiation.ICECandidate)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(negotiation.ConnState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) Stats() calls.Quality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Quality
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.log = append(p.log, "close")
	return nil
}

// Gather emits a local candidate as if ICE found one.
func (p *Peer) Gather(c negotiation.ICECandidate) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// SetState reports a connection state change.
func (p *Peer) SetState(s negotiation.ConnState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Log returns the recorded calls.
func (p *Peer) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Factory hands out Peers. Configure, if set, runs on each new Peer.
type Factory struct {
	mu        sync.Mutex
	peers     []*Peer
	Err       error
	Configure func(*Peer)
}

func (f *Factory) NewPeer(_ context.Context, _ negotiation.LocalMedia) (negotiation.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{}
	if f.Configure != nil {
		f.Configure(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recent peer or nil.
func (f *Factory) Last() *Peer {
	ps := f.Peers()
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// Media is fake local capture.
type Media struct {
	mu       sync.Mutex
	enabled  map[negotiation.TrackKind]bool
	switches int
	closed   bool
}

func (m *Media) SetTrackEnabled(kind negotiation.TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == nil {
		m.enabled = make(map[negotiation.TrackKind]bool)
	}
	m.enabled[kind] = enabled
	return nil
}

func (m *Media) SwitchCamera(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches++
	return nil
}

func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Enabled reports the last state set for kind.
func (m *Media) Enabled(kind negotiation.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

// Switches counts SwitchCamera calls.
func (m *Media) Switches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches
}

// Closed reports whether the media was released.
func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Source hands out Media and remembers them.
type Source struct {
	mu          sync.Mutex
	acquired    []*Media
	constraints []calls.MediaConstraints
	Err         error
}

func (s *Source) Acquire(_ context.Context, c calls.MediaConstraints) (negotiation.LocalMedia, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	m := &Media{}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.constraints = append(s.constraints, c)
	s.mu.Unlock()
	return m, nil
}

// Acquired returns every Media handed out.
func (s *Source) Acquired() []*Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Media(nil), s.acquired...)
}

// Constraints returns the constraints of every Acquire call.
func (s *Source) Constraints() []calls.MediaConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.MediaConstraints(nil), s.constraints...)
}

// Sender records WebRTC signals. When Block is set, sends wait until the
// context is cancelled.
type Sender struct {
	mu    sync.Mutex
	sent  []calls.WebRTCSignal
	Block bool
	Err   error
	// Blocked is signalled when a send starts blocking.
	Blocked chan struct{}
}

func (s *Sender) SendWebRTC(ctx context.Context, sig calls.WebRTCSignal) error {
	if s.Block {
		if s.Blocked != nil {
			select {
			case s.Blocked <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()
	return nil
}

// Sent returns the recorded signals.
func (s *Sender) Sent() []calls.WebRTCSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.WebRTCSignal(nil), s.sent...)
}

// Types returns the types of recorded signals in order.
func (s *Sender) Types() []calls.WebRTCSignalType {
	var out []calls.WebRTCSignalType
	for _, sig := range s.Sent() {
		out = append(out, sig.Type)
	}
	return out
}
