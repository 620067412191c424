package mq

import "github.com/petervdpas/callsig/internal/calls"

// ── Topic constants ───────────────────────────────────────────────────────────
// Single source of truth for every topic string used by the client and relay.
const (
	// Client -> relay call control.
	TopicCallInitiate = "call:initiate"
	TopicCallAccept   = "call:accept"
	TopicCallReject   = "call:reject"
	TopicCallEnd      = "call:end"

	// Relay -> client call control.
	TopicCallIncoming = "call:incoming"
	TopicCallAccepted = "call:accepted"
	TopicCallRejected = "call:rejected"
	TopicCallEnded    = "call:ended"
	TopicCallError    = "call:error"

	// Negotiation, relayed verbatim in both directions.
	TopicWebRTCOffer  = "webrtc:offer"
	TopicWebRTCAnswer = "webrtc:answer"
	TopicWebRTCICE    = "webrtc:ice-candidate"

	// Generic chat content. Carries the in-band [CALL_*] fallback too.
	TopicChatMessage = "chat:message"
)

// CallTopics lists every dedicated call-control and negotiation topic.
var CallTopics = []string{
	TopicCallInitiate, TopicCallAccept, TopicCallReject, TopicCallEnd,
	TopicCallIncoming, TopicCallAccepted, TopicCallRejected, TopicCallEnded, TopicCallError,
	TopicWebRTCOffer, TopicWebRTCAnswer, TopicWebRTCICE,
}

// ── Call control payloads ────────────────────────────────────────────────────
//
//   caller                     relay                      callee
//   ─────────────────────────────────────────────────────────────────
//   call:initiate  ──────────►        ── call:incoming ──►
//                  ◄── call:accepted ◄──────────────────── call:accept
//   webrtc:offer   ──────────────────────────────────────►
//                  ◄────────────────────────────────────── webrtc:answer
//   webrtc:ice-candidate ◄──────────────────────────────► (trickle, both ways)
//   call:end       ──────────►        ── call:ended ────► (either side)

// InitiatePayload starts a call. The initiator mints the call id and puts it
// in Metadata so both sides agree on it before the relay answers.
type InitiatePayload struct {
	ReceiverID string        `json:"receiverId"`
	CallType   calls.Type    `json:"callType"`
	Metadata   *CallMetadata `json:"metadata,omitempty"`
}

// CallMetadata is the optional initiate metadata.
type CallMetadata struct {
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// CallIDPayload is call:accept.
type CallIDPayload struct {
	CallID string `json:"callId"`
}

// ReasonPayload is call:reject and call:end.
type ReasonPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// IncomingPayload is call:incoming.
type IncomingPayload struct {
	CallID string       `json:"callId"`
	Call   *calls.Call  `json:"call"`
	Caller calls.Caller `json:"caller"`
}

// AcceptedPayload is call:accepted.
type AcceptedPayload struct {
	CallID     string      `json:"callId"`
	Call       *calls.Call `json:"call"`
	AcceptedBy string      `json:"acceptedBy"`
}

// RejectedPayload is call:rejected.
type RejectedPayload struct {
	CallID     string      `json:"callId"`
	Call       *calls.Call `json:"call"`
	RejectedBy string      `json:"rejectedBy"`
	Reason     string      `json:"reason,omitempty"`
}

// EndedPayload is call:ended.
type EndedPayload struct {
	CallID  string      `json:"callId"`
	Call    *calls.Call `json:"call"`
	EndedBy string      `json:"endedBy"`
	Reason  string      `json:"reason,omitempty"`
}

// CallErrorPayload is call:error. Event names the request that failed.
type CallErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	CallID  string `json:"callId,omitempty"`
}

// ── Negotiation payloads ─────────────────────────────────────────────────────

// SDPPayload is webrtc:offer and webrtc:answer.
type SDPPayload struct {
	CallID string `json:"callId"`
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
	Data   string `json:"data"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICEPayload is webrtc:ice-candidate.
type ICEPayload struct {
	CallID    string            `json:"callId"`
	From      string            `json:"from"`
	To        string            `json:"to,omitempty"`
	Candidate *ICECandidateInit `json:"candidate"`
}
