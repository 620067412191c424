package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
)

// Role decides which side creates the offer.
type Role int

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// ErrNoMedia is returned by media operations before capture is acquired.
var ErrNoMedia = errors.New("negotiation: no local media")

// Config describes one call's negotiation.
type Config struct {
	CallID      string
	Self        string
	Peer        string
	Role        Role
	Constraints calls.MediaConstraints

	Peers  PeerFactory
	Media  MediaSource // nil: receive-only
	Sender Sender
	Log    zerolog.Logger

	// OnConnected reports peer connectivity changes.
	OnConnected func(connected bool)
	// OnFailure is called at most once with a *calls.NegotiationError.
	OnFailure func(err error)
}

type opKind int

const (
	opStart opKind = iota
	opRemoteOffer
	opRemoteAnswer
	opRemoteICE
	opLocalICE
)

type op struct {
	kind opKind
	sdp  string
	cand ICECandidate
}

// Controller sequences the exchange for one call. Every step runs on a
// single worker goroutine in arrival order; Close cancels whatever is in
// flight.
type Controller struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	queue   []op
	wake    chan struct{}
	media   LocalMedia
	pc      PeerConnection
	enabled map[TrackKind]bool
	failed  bool

	// Worker-only state.
	peer         PeerConnection
	remoteSet    bool
	localSent    bool
	remoteBuf    []ICECandidate
	localBuf     []ICECandidate
	offerHandled bool

	closeOnce sync.Once
}

// New creates a controller and starts its worker. Offerers begin
// immediately; answerers wait for the remote offer.
func New(cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		log:    cfg.Log.With().Str("call", cfg.CallID).Str("role", cfg.Role.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		enabled: map[TrackKind]bool{
			TrackAudio: cfg.Constraints.Audio,
			TrackVideo: cfg.Constraints.Video,
		},
	}
	go c.run()
	if cfg.Role == Offerer {
		c.enqueue(op{kind: opStart})
	}
	return c
}

// Done is closed once the worker has stopped after Close.
func (c *Controller) Done() <-chan struct{} { return c.done }

// CallID returns the call this controller negotiates.
func (c *Controller) CallID() string { return c.cfg.CallID }

// HandleRemote queues a negotiation message from the peer. It never blocks.
func (c *Controller) HandleRemote(sig calls.WebRTCSignal) error {
	if sig.CallID != c.cfg.CallID {
		return fmt.Errorf("negotiation: signal for %s on controller %s", sig.CallID, c.cfg.CallID)
	}
	switch sig.Type {
	case calls.SignalOffer:
		c.enqueue(op{kind: opRemoteOffer, sdp: sig.Data})
	case calls.SignalAnswer:
		c.enqueue(op{kind: opRemoteAnswer, sdp: sig.Data})
	case calls.SignalICECandidate:
		var cand ICECandidate
		if err := json.Unmarshal([]byte(sig.Data), &cand); err != nil {
			return fmt.Errorf("%w: candidate: %v", calls.ErrMalformedSignal, err)
		}
		c.enqueue(op{kind: opRemoteICE, cand: cand})
	default:
		return fmt.Errorf("%w: webrtc type %q", calls.ErrMalformedSignal, sig.Type)
	}
	return nil
}

func (c *Controller) enqueue(o op) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, o)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run() {
	defer func() {
		c.remoteBuf, c.localBuf = nil, nil
		close(c.done)
	}()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 || c.failed {
				c.mu.Unlock()
				break
			}
			o := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if c.ctx.Err() != nil {
				return
			}
			if err := c.exec(o); err != nil {
				c.fail(err)
			}
		}
	}
}

func (c *Controller) exec(o op) error {
	switch o.kind {
	case opStart:
		return c.offer()
	case opRemoteOffer:
		return c.answer(o.sdp)
	case opRemoteAnswer:
		return c.applyAnswer(o.sdp)
	case opRemoteICE:
		if !c.remoteSet {
			c.remoteBuf = append(c.remoteBuf, o.cand)
			return nil
		}
		return c.addRemote(o.cand)
	case opLocalICE:
		if !c.localSent {
			c.localBuf = append(c.localBuf, o.cand)
			return nil
		}
		return c.sendCandidate(o.cand)
	}
	return nil
}

// offer: acquire media, new peer, create offer, set local, emit offer,
// flush queued local ICE.
func (c *Controller) offer() error {
	if err := c.setup(); err != nil {
		return err
	}
	sdp, err := c.peer.CreateOffer()
	if err != nil {
		return &calls.NegotiationError{Step: "create offer", Err: err}
	}
	if err := c.peer.SetLocalDescription(SDPOffer, sdp); err != nil {
		return &calls.NegotiationError{Step: "set local offer", Err: err}
	}
	if err := c.emit(calls.SignalOffer, sdp); err != nil {
		return err
	}
	c.log.Debug().Msg("offer sent")
	return c.flushLocal()
}

// answer: set remote offer, acquire media, create answer, set local, emit
// answer, flush buffered remote and queued local ICE.
func (c *Controller) answer(sdp string) error {
	if c.cfg.Role != Answerer {
		c.log.Warn().Msg("ignoring offer on offering side")
		return nil
	}
	if c.offerHandled {
		c.log.Debug().Msg("ignoring repeated offer")
		return nil
	}
	c.offerHandled = true

	if err := c.setup(); err != nil {
		return err
	}
	if err := c.peer.SetRemoteDescription(SDPOffer, sdp); err != nil {
		return &calls.NegotiationError{Step: "set remote offer", Err: err}
	}
	c.remoteSet = true

	answer, err := c.peer.CreateAnswer()
	if err != nil {
		return &calls.NegotiationError{Step: "create answer", Err: err}
	}
	if err := c.peer.SetLocalDescription(SDPAnswer, answer); err != nil {
		return &calls.NegotiationError{Step: "set local answer", Err: err}
	}
	if err := c.emit(calls.SignalAnswer, answer); err != nil {
		return err
	}
	c.log.Debug().Msg("answer sent")
	if err := c.flushRemote(); err != nil {
		return err
	}
	return c.flushLocal()
}

func (c *Controller) applyAnswer(sdp string) error {
	if c.cfg.Role != Offerer || c.peer == nil {
		c.log.Warn().Msg("ignoring unexpected answer")
		return nil
	}
	if c.remoteSet {
		c.log.Debug().Msg("ignoring repeated answer")
		return nil
	}
	if err := c.peer.SetRemoteDescription(SDPAnswer, sdp); err != nil {
		return &calls.NegotiationError{Step: "set remote answer", Err: err}
	}
	c.remoteSet = true
	return c.flushRemote()
}

// setup acquires local media and builds the peer connection.
func (c *Controller) setup() error {
	var media LocalMedia
	if c.cfg.Media != nil {
		m, err := c.cfg.Media.Acquire(c.ctx, c.cfg.Constraints)
		if err != nil {
			return &calls.NegotiationError{Step: "acquire media", Err: err}
		}
		media = m
	}

	pc, err := c.cfg.Peers.NewPeer(c.ctx, media)
	if err != nil {
		if media != nil {
			_ = media.Close()
		}
		return &calls.NegotiationError{Step: "new peer", Err: err}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = pc.Close()
		if media != nil {
			_ = media.Close()
		}
		return c.ctx.Err()
	}
	c.pc, c.media = pc, media
	c.peer = pc
	enabled := make(map[TrackKind]bool, len(c.enabled))
	for k, v := range c.enabled {
		enabled[k] = v
	}
	c.mu.Unlock()

	if media != nil {
		for kind, on := range enabled {
			if err := media.SetTrackEnabled(kind, on); err != nil && !errors.Is(err, ErrNoMedia) {
				c.log.Debug().Err(err).Str("track", string(kind)).Msg("initial track state")
			}
		}
	}

	pc.OnICECandidate(func(cand ICECandidate) {
		c.enqueue(op{kind: opLocalICE, cand: cand})
	})
	pc.OnConnectionStateChange(func(s ConnState) {
		c.log.Debug().Str("state", string(s)).Msg("peer connection state")
		switch s {
		case StateConnected:
			if c.cfg.OnConnected != nil {
				c.cfg.OnConnected(true)
			}
		case StateDisconnected:
			if c.cfg.OnConnected != nil {
				c.cfg.OnConnected(false)
			}
		case StateFailed:
			c.fail(&calls.NegotiationError{Step: "ice", Err: errors.New("peer connection failed")})
		}
	})
	return nil
}

func (c *Controller) emit(t calls.WebRTCSignalType, data string) error {
	// Close may land while a local description is being applied.
	if err := c.ctx.Err(); err != nil {
		return err
	}
	err := c.cfg.Sender.SendWebRTC(c.ctx, calls.WebRTCSignal{
		CallID: c.cfg.CallID,
		Type:   t,
		Data:   data,
		From:   c.cfg.Self,
		To:     c.cfg.Peer,
	})
	if err != nil {
		return &calls.NegotiationError{Step: "send " + string(t), Err: err}
	}
	return nil
}

func (c *Controller) flushLocal() error {
	c.localSent = true
	buf := c.localBuf
	c.localBuf = nil
	for _, cand := range buf {
		if err := c.sendCandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) flushRemote() error {
	buf := c.remoteBuf
	c.remoteBuf = nil
	for _, cand := range buf {
		if err := c.addRemote(cand); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) addRemote(cand ICECandidate) error {
	if err := c.peer.AddICECandidate(cand); err != nil {
		// A single bad candidate does not doom the call.
		c.log.Warn().Err(err).Msg("add remote candidate")
	}
	return nil
}

func (c *Controller) sendCandidate(cand ICECandidate) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return &calls.NegotiationError{Step: "encode candidate", Err: err}
	}
	if err := c.emit(calls.SignalICECandidate, string(raw)); err != nil {
		// Trickle ICE is best effort; the other candidates may still connect.
		c.log.Warn().Err(err).Msg("send local candidate")
	}
	return nil
}

// fail reports err once, unless the controller was closed.
func (c *Controller) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("negotiation failed")
	if c.cfg.OnFailure != nil {
		c.cfg.OnFailure(err)
	}
}

// SetTrackEnabled enables or disables a local track. Before media is
// acquired the setting is remembered and applied on acquisition.
func (c *Controller) SetTrackEnabled(kind TrackKind, enabled bool) error {
	c.mu.Lock()
	c.enabled[kind] = enabled
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return nil
	}
	return media.SetTrackEnabled(kind, enabled)
}

// SwitchCamera cycles to the next camera.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return ErrNoMedia
	}
	return media.SwitchCamera(ctx)
}

// Quality returns receive statistics, or nil before a peer exists.
func (c *Controller) Quality() *calls.Quality {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return nil
	}
	q := pc.Stats()
	return &q
}

// Close cancels in-flight steps, closes the peer, releases media and
// discards buffered candidates. It does not wait for the worker, so it is
// safe to call from OnFailure. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.queue = nil
		pc, media := c.pc, c.media
		c.pc, c.media = nil, nil
		c.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				c.log.Debug().Err(err).Msg("close peer")
			}
		}
		if media != nil {
			if err := media.Close(); err != nil {
				c.log.Debug().Err(err).Msg("release media")
			}
		}
		c.log.Debug().Msg("negotiation closed")
	})
}
