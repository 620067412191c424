package call

import (
	"time"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/negotiation"
)

// maxEarlySignals bounds negotiation messages held before the controller
// exists.
const maxEarlySignals = 256

// session is the live state of the one non-terminal call. All fields are
// guarded by Manager.mu.
type session struct {
	call     *calls.Call
	peer     string
	remote   calls.Caller
	outgoing bool

	// transitioning is set while a local Initiate/Accept awaits its send.
	transitioning bool

	ringTimer  *time.Timer
	setupTimer *time.Timer

	neg   *negotiation.Controller
	early []calls.WebRTCSignal

	active *calls.ActiveCall
	audio  bool
	video  bool
}

func newSession(c *calls.Call, self string) *session {
	s := &session{
		call:     c,
		outgoing: c.CallerID == self,
		audio:    true,
		video:    c.Type == calls.TypeVideo,
	}
	s.peer = c.Peer(self)
	s.remote = calls.Caller{UserID: s.peer}
	return s
}

func (s *session) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
}

// hold keeps a negotiation message until the controller starts.
func (s *session) hold(ws calls.WebRTCSignal) bool {
	if len(s.early) >= maxEarlySignals {
		return false
	}
	s.early = append(s.early, ws)
	return true
}

func (s *session) setTrack(kind negotiation.TrackKind, on bool) {
	switch kind {
	case negotiation.TrackAudio:
		s.audio = on
	case negotiation.TrackVideo:
		s.video = on
	}
	if s.active == nil {
		return
	}
	for i := range s.active.Participants {
		if s.active.Participants[i].UserID != s.peer {
			if kind == negotiation.TrackAudio {
				s.active.Participants[i].AudioEnabled = on
			} else {
				s.active.Participants[i].VideoEnabled = on
			}
		}
	}
}
