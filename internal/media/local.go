// Package media provides local capture for calls: camera and microphone via
// pion/mediadevices on Linux, receive-only elsewhere.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/callsig/internal/negotiation"
)

var (
	ErrNoCamera     = errors.New("media: no camera captured")
	ErrSingleCamera = errors.New("media: only one camera available")
	ErrReleased     = errors.New("media: already released")
)

// track is a capture track pion can send.
type track interface {
	webrtc.TrackLocal
	Close() error
}

// Local is one call's acquired capture. A disabled track stays captured but
// its sender carries nothing.
type Local struct {
	log zerolog.Logger

	mu      sync.Mutex
	tracks  map[negotiation.TrackKind]track
	senders map[negotiation.TrackKind]*webrtc.RTPSender
	enabled map[negotiation.TrackKind]bool
	camera  string // device id of the current camera
	closed  bool
}

func newLocal(logger zerolog.Logger) *Local {
	return &Local{
		log:     logger,
		tracks:  make(map[negotiation.TrackKind]track),
		senders: make(map[negotiation.TrackKind]*webrtc.RTPSender),
		enabled: map[negotiation.TrackKind]bool{negotiation.TrackAudio: true, negotiation.TrackVideo: true},
	}
}

func (l *Local) add(kind negotiation.TrackKind, t track) {
	l.mu.Lock()
	l.tracks[kind] = t
	l.mu.Unlock()
}

// Tracks returns the captured tracks for the peer connection.
func (l *Local) Tracks() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(l.tracks))
	for _, kind := range []negotiation.TrackKind{negotiation.TrackAudio, negotiation.TrackVideo} {
		if t, ok := l.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// BindSender records the sender carrying kind.
func (l *Local) BindSender(kind negotiation.TrackKind, sender *webrtc.RTPSender) {
	l.mu.Lock()
	l.senders[kind] = sender
	l.mu.Unlock()
}

// SetTrackEnabled mutes or unmutes kind by swapping the sender's track.
// A kind that was never captured only records the setting.
func (l *Local) SetTrackEnabled(kind negotiation.TrackKind, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrReleased
	}
	l.enabled[kind] = enabled
	sender, t := l.senders[kind], l.tracks[kind]
	if sender == nil || t == nil {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(t)
	}
	return sender.ReplaceTrack(nil)
}

// replaceCamera swaps in a new video track, keeping the mute state.
func (l *Local) replaceCamera(deviceID string, next track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = next.Close()
		return ErrReleased
	}
	if sender := l.senders[negotiation.TrackVideo]; sender != nil && l.enabled[negotiation.TrackVideo] {
		if err := sender.ReplaceTrack(next); err != nil {
			_ = next.Close()
			return err
		}
	}
	if old := l.tracks[negotiation.TrackVideo]; old != nil {
		_ = old.Close()
	}
	l.tracks[negotiation.TrackVideo] = next
	l.camera = deviceID
	return nil
}

// Close stops every capture track. Safe to call twice.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for kind, t := range l.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.tracks, kind)
	}
	l.log.Debug().Msg("local media released")
	return errors.Join(errs...)
}
