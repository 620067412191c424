// Package mq is the persistent connection to the relay: one websocket per
// authenticated user carrying JSON frames. Every "msg" frame is answered by
// an "ack" frame carrying the same id.
package mq

import "encoding/json"

// Frame types for the wire protocol.
const (
	FrameMsg     = "msg"     // either direction: topic + payload
	FrameAck     = "ack"     // transport ACK for a msg
	FrameWelcome = "welcome" // relay -> client, first frame after connect
	FrameError   = "error"   // relay -> client, protocol level error
)

// CapabilityEvents is advertised in the welcome frame when the relay routes
// dedicated call:* / webrtc:* events. Without it only chat:message is usable.
const CapabilityEvents = "events"

// Frame is the single wire type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`  // uuid4, echoed by the ack
	Seq     int64           `json:"seq,omitempty"` // monotonic counter per sender
	Topic   string          `json:"topic,omitempty"`
	From    string          `json:"from,omitempty"` // stamped by the relay
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Welcome is the payload of the welcome frame.
type Welcome struct {
	UserID       string   `json:"userId"`
	Capabilities []string `json:"capabilities"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
