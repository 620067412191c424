// Package negotiation runs the offer/answer/ICE exchange for one call.
// Media and peer connections sit behind small interfaces so the exchange
// can be driven by pion in production and by fakes in tests.
package negotiation

import (
	"context"

	"github.com/petervdpas/callsig/internal/calls"
)

// SDPType is the type of a session description.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// TrackKind selects a local track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnState is the peer connection state.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// ICECandidate is the W3C RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerConnection is one media session with the remote peer.
type PeerConnection interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(t SDPType, sdp string) error
	SetRemoteDescription(t SDPType, sdp string) error
	AddICECandidate(c ICECandidate) error
	// OnICECandidate is called for each gathered local candidate.
	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnState))
	Stats() calls.Quality
	Close() error
}

// PeerFactory creates peer connections carrying the given local media.
// media may be nil for a receive-only peer.
type PeerFactory interface {
	NewPeer(ctx context.Context, media LocalMedia) (PeerConnection, error)
}

// MediaSource acquires local capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, c calls.MediaConstraints) (LocalMedia, error)
}

// LocalMedia is acquired local capture. Close releases the devices.
type LocalMedia interface {
	SetTrackEnabled(kind TrackKind, enabled bool) error
	SwitchCamera(ctx context.Context) error
	Close() error
}

// Sender emits negotiation messages to the remote peer.
type Sender interface {
	SendWebRTC(ctx context.Context, sig calls.WebRTCSignal) error
}
