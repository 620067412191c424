// Package signal classifies inbound call-control traffic into Signals and
// encodes outbound Signals onto whichever channel the relay supports:
// dedicated call:* / webrtc:* events, or prefixed chat content.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/mq"
)

// Kind classifies a call signal. The zero value is "not a call signal".
type Kind string

const (
	KindNone   Kind = ""
	KindInvite Kind = "invite"
	KindAccept Kind = "accept"
	KindReject Kind = "reject"
	KindEnd    Kind = "end"
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindICE    Kind = "ice"
	KindError  Kind = "error"
)

// Channel is the transport a signal travelled over.
type Channel string

const (
	ChannelEvent Channel = "event"
	ChannelChat  Channel = "chat"
)

var (
	// ErrNotSignal means chat content carries no call prefix.
	ErrNotSignal = errors.New("not a call signal")

	// ErrUnsupportedOnChannel means no available channel can carry the kind.
	ErrUnsupportedOnChannel = errors.New("signal kind unsupported on available channel")
)

// Signal is one classified call-control or negotiation message.
type Signal struct {
	Kind           Kind
	CallID         string
	From           string
	To             string
	ConversationID string
	CallType       calls.Type
	Call           *calls.Call   // server copy, on relay-originated events
	Caller         *calls.Caller // on incoming invites
	Reason         string
	SDP            string
	Candidate      *mq.ICECandidateInit
	Message        string // call:error text
	Event          string // call:error: request that failed
	Channel        Channel

	// InOpenConversation marks an invite addressed to the conversation the
	// user currently has open.
	InOpenConversation bool
}

// FromWebRTC builds the outbound signal for a negotiation message.
func FromWebRTC(ws calls.WebRTCSignal) (Signal, error) {
	s := Signal{CallID: ws.CallID, From: ws.From, To: ws.To}
	switch ws.Type {
	case calls.SignalOffer:
		s.Kind, s.SDP = KindOffer, ws.Data
	case calls.SignalAnswer:
		s.Kind, s.SDP = KindAnswer, ws.Data
	case calls.SignalICECandidate:
		var c mq.ICECandidateInit
		if err := json.Unmarshal([]byte(ws.Data), &c); err != nil {
			return Signal{}, fmt.Errorf("%w: candidate: %v", calls.ErrMalformedSignal, err)
		}
		s.Kind, s.Candidate = KindICE, &c
	default:
		return Signal{}, fmt.Errorf("%w: webrtc type %q", calls.ErrMalformedSignal, ws.Type)
	}
	return s, nil
}

// Rank is the status rank the signal moves its session to. Negotiation
// signals only make sense on an accepted session.
func (k Kind) Rank() int {
	switch k {
	case KindInvite:
		return calls.StatusRinging.Rank()
	case KindAccept, KindOffer, KindAnswer, KindICE:
		return calls.StatusAccepted.Rank()
	case KindReject, KindEnd, KindError:
		return calls.StatusEnded.Rank()
	}
	return 0
}

// WebRTC converts a negotiation signal to the domain envelope.
func (s Signal) WebRTC() (calls.WebRTCSignal, bool) {
	ws := calls.WebRTCSignal{CallID: s.CallID, From: s.From, To: s.To}
	switch s.Kind {
	case KindOffer:
		ws.Type, ws.Data = calls.SignalOffer, s.SDP
	case KindAnswer:
		ws.Type, ws.Data = calls.SignalAnswer, s.SDP
	case KindICE:
		if s.Candidate == nil {
			return calls.WebRTCSignal{}, false
		}
		raw, err := json.Marshal(s.Candidate)
		if err != nil {
			return calls.WebRTCSignal{}, false
		}
		ws.Type, ws.Data = calls.SignalICECandidate, string(raw)
	default:
		return calls.WebRTCSignal{}, false
	}
	return ws, true
}
