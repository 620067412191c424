package negotiation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/calls"
)

// pliInterval is how often a keyframe is requested on remote video.
const pliInterval = 3 * time.Second

// TrackProvider is implemented by LocalMedia backed by real capture tracks.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// SenderBinder is told which RTP sender carries each local track, so media
// can mute by replacing the sender's track.
type SenderBinder interface {
	BindSender(kind TrackKind, sender *webrtc.RTPSender)
}

func kindOf(k webrtc.RTPCodecType) TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

// CodecPopulator registers the codecs local capture will produce.
type CodecPopulator interface {
	Populate(me *webrtc.MediaEngine) error
}

// PionFactory builds pion peer connections.
type PionFactory struct {
	iceServers []webrtc.ICEServer
	codecs     CodecPopulator
	log        zerolog.Logger
}

// NewPionFactory returns a factory using the given STUN/TURN urls. codecs
// may be nil, in which case pion's default codecs are registered.
func NewPionFactory(iceURLs []string, codecs CodecPopulator, logger zerolog.Logger) *PionFactory {
	f := &PionFactory{codecs: codecs, log: logger}
	if len(iceURLs) > 0 {
		f.iceServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return f
}

// NewPeer creates a peer connection carrying media's tracks, or a
// receive-only one when media has none.
func (f *PionFactory) NewPeer(_ context.Context, media LocalMedia) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.codecs != nil {
		if err := f.codecs.Populate(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pionPeer{pc: pc, cancel: cancel, log: f.log}

	var tracks []webrtc.TrackLocal
	if tp, ok := media.(TrackProvider); ok {
		tracks = tp.Tracks()
	}
	sending := make(map[webrtc.RTPCodecType]bool)
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			f.log.Warn().Err(err).Str("track", track.ID()).Msg("AddTrack")
			continue
		}
		sending[track.Kind()] = true
		if b, ok := media.(SenderBinder); ok {
			b.BindSender(kindOf(track.Kind()), sender)
		}
		go drainRTCP(ctx, sender)
	}
	addRecvOnlyTransceivers(pc, sending, f.log)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.log.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.requestKeyframes(ctx, track)
		}
		go p.readRemote(track)
	})
	return p, nil
}

// addRecvOnlyTransceivers adds a recvonly transceiver for each kind with no
// local track so CreateOffer/CreateAnswer always produces valid m-lines with
// ICE credentials and remote media is still received.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, sending map[webrtc.RTPCodecType]bool, log zerolog.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn().Err(err).Str("kind", kind.String()).Msg("AddTransceiver")
		}
	}
}

// drainRTCP reads RTCP for a sender so interceptors see receiver reports.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc
	log    zerolog.Logger

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetLocalDescription(t SDPType, sdp string) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(string(t)), SDP: sdp})
}

func (p *pionPeer) SetRemoteDescription(t SDPType, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(string(t)), SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		fn(ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnState(s.String()))
	})
}

func (p *pionPeer) Stats() calls.Quality {
	return calls.Quality{
		PacketsReceived: p.packets.Load(),
		PacketsLost:     p.lost.Load(),
		BytesReceived:   p.bytes.Load(),
	}
}

func (p *pionPeer) Close() error {
	p.cancel()
	return p.pc.Close()
}

// requestKeyframes sends a PLI for track periodically so a late-joining
// decoder recovers quickly.
func (p *pionPeer) requestKeyframes(ctx context.Context, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				return
			}
		}
	}
}

// readRemote consumes a remote track, counting packets, bytes and sequence
// gaps. There is no local renderer, so the payload is discarded.
func (p *pionPeer) readRemote(track *webrtc.TrackRemote) {
	var seq seqTracker
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.observe(&seq, pkt)
	}
}

// seqTracker is owned by one reader goroutine.
type seqTracker struct {
	started bool
	last    uint16
}

func (p *pionPeer) observe(s *seqTracker, pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))

	if s.started {
		if gap := pkt.SequenceNumber - s.last; gap > 1 && gap < 1<<15 {
			p.lost.Add(uint64(gap - 1))
		}
	}
	if !s.started || int16(pkt.SequenceNumber-s.last) > 0 {
		s.last = pkt.SequenceNumber
	}
	s.started = true
}
