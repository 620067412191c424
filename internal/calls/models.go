// Package calls holds the call domain model shared by the signaling router,
// the session manager, the relay and the history store.
package calls

import (
	"time"
)

// Type is the media kind of a call.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Valid reports whether t is a known call type.
func (t Type) Valid() bool {
	return t == TypeVoice || t == TypeVideo
}

// Call is the durable record of one call attempt. ID, CallerID, ReceiverID
// and Type never change after creation; Status only moves via Transition.
type Call struct {
	ID         string `json:"callId"`
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	Type       Type   `json:"callType"`
	Status     Status `json:"status"`

	// ConversationID is the chat conversation shared by both participants.
	ConversationID string `json:"conversationId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Duration is the connected time in seconds, set once the call ends.
	Duration int `json:"duration"`

	FailureReason string   `json:"failureReason,omitempty"`
	Quality       *Quality `json:"quality,omitempty"`
}

// Quality is receive-side media statistics collected while the call was live.
type Quality struct {
	PacketsReceived uint64 `json:"packetsReceived"`
	PacketsLost     uint64 `json:"packetsLost"`
	BytesReceived   uint64 `json:"bytesReceived"`
}

// New creates a pending call record.
func New(id, callerID, receiverID string, typ Type, now time.Time) *Call {
	return &Call{
		ID:         id,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       typ,
		Status:     StatusPending,
		CreatedAt:  now,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	cp := *c
	if c.StartTime != nil {
		t := *c.StartTime
		cp.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		cp.EndTime = &t
	}
	if c.Quality != nil {
		q := *c.Quality
		cp.Quality = &q
	}
	return &cp
}

// Peer returns the other participant from self's point of view.
func (c *Call) Peer(self string) string {
	if c.CallerID == self {
		return c.ReceiverID
	}
	return c.CallerID
}

// Transition moves the call to next. Accepted stamps StartTime; terminal
// states stamp EndTime and Duration. A refused move returns a
// *TransitionError that matches ErrInvalidCallState.
func (c *Call) Transition(next Status, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return &TransitionError{CallID: c.ID, From: c.Status, To: next}
	}
	c.Status = next
	switch {
	case next == StatusAccepted:
		t := now
		c.StartTime = &t
	case next.IsTerminal():
		t := now
		c.EndTime = &t
		if c.StartTime != nil {
			c.Duration = int(now.Sub(*c.StartTime).Seconds())
		}
	}
	return nil
}

// Fail moves the call to failed and records why.
func (c *Call) Fail(reason string, now time.Time) error {
	if err := c.Transition(StatusFailed, now); err != nil {
		return err
	}
	c.FailureReason = reason
	return nil
}

// MediaConstraints describes what local media a call needs.
type MediaConstraints struct {
	Audio      bool   `json:"audio"`
	Video      bool   `json:"video"`
	FacingMode string `json:"facingMode,omitempty"` // "user" | "environment"
}

// ConstraintsFor derives media constraints from the call type.
func ConstraintsFor(t Type) MediaConstraints {
	return MediaConstraints{
		Audio:      true,
		Video:      t == TypeVideo,
		FacingMode: "user",
	}
}

// Participant is the per-party view of a live call.
type Participant struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	Ready        bool   `json:"ready"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// ActiveCall is the in-memory view of the call currently live on this client.
type ActiveCall struct {
	CallID       string        `json:"callId"`
	Participants []Participant `json:"participants"`
	Type         Type          `json:"callType"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"startTime"`
	Connected    bool          `json:"connected"`
}

// Duration is the running call time.
func (a *ActiveCall) Duration(now time.Time) time.Duration {
	if a.StartTime.IsZero() {
		return 0
	}
	return now.Sub(a.StartTime)
}

// Participant returns the participant entry for userID.
func (a *ActiveCall) Participant(userID string) (*Participant, bool) {
	for i := range a.Participants {
		if a.Participants[i].UserID == userID {
			return &a.Participants[i], true
		}
	}
	return nil, false
}

// Clone returns a copy with its own participant slice.
func (a *ActiveCall) Clone() *ActiveCall {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Participants = append([]Participant(nil), a.Participants...)
	return &cp
}

// Caller identifies who is calling.
type Caller struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// IncomingCall is a pending decision for an inbound invite.
type IncomingCall struct {
	CallID    string    `json:"callId"`
	Call      *Call     `json:"call"`
	Caller    Caller    `json:"caller"`
	Timestamp time.Time `json:"timestamp"`
}

// WebRTCSignalType is the kind of negotiation message.
type WebRTCSignalType string

const (
	SignalOffer        WebRTCSignalType = "offer"
	SignalAnswer       WebRTCSignalType = "answer"
	SignalICECandidate WebRTCSignalType = "ice-candidate"
)

// WebRTCSignal is one negotiation message. Data is the SDP for offers and
// answers and the JSON-encoded candidate init for ICE.
type WebRTCSignal struct {
	CallID string           `json:"callId"`
	Type   WebRTCSignalType `json:"type"`
	Data   string           `json:"data"`
	From   string           `json:"from"`
	To     string           `json:"to,omitempty"`
}
