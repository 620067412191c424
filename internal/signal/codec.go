package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/mq"
)

// Codec is one encoding strategy for call signals.
type Codec interface {
	Channel() Channel
	Supports(k Kind) bool
	Encode(sig Signal) (Encoded, error)
}

// Encoded is a signal ready for its channel: a topic and payload for
// dedicated events, or Content for chat.
type Encoded struct {
	Topic   string
	Payload any
	Content string
}

var (
	_ Codec = EventCodec{}
	_ Codec = ChatCodec{}
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", calls.ErrMalformedSignal, fmt.Sprintf(format, args...))
}

// ── Dedicated events ─────────────────────────────────────────────────────────

// EventCodec maps signals to the dedicated call:* and webrtc:* events.
type EventCodec struct{}

func (EventCodec) Channel() Channel { return ChannelEvent }

func (EventCodec) Supports(k Kind) bool {
	switch k {
	case KindInvite, KindAccept, KindReject, KindEnd, KindOffer, KindAnswer, KindICE:
		return true
	}
	return false
}

// Encode returns the client->relay topic and payload for sig.
func (EventCodec) Encode(sig Signal) (Encoded, error) {
	switch sig.Kind {
	case KindInvite:
		return Encoded{Topic: mq.TopicCallInitiate, Payload: mq.InitiatePayload{
			ReceiverID: sig.To,
			CallType:   sig.CallType,
			Metadata:   &mq.CallMetadata{CallID: sig.CallID, ConversationID: sig.ConversationID},
		}}, nil
	case KindAccept:
		return Encoded{Topic: mq.TopicCallAccept, Payload: mq.CallIDPayload{CallID: sig.CallID}}, nil
	case KindReject:
		return Encoded{Topic: mq.TopicCallReject, Payload: mq.ReasonPayload{CallID: sig.CallID, Reason: sig.Reason}}, nil
	case KindEnd:
		return Encoded{Topic: mq.TopicCallEnd, Payload: mq.ReasonPayload{CallID: sig.CallID, Reason: sig.Reason}}, nil
	case KindOffer:
		return Encoded{Topic: mq.TopicWebRTCOffer, Payload: mq.SDPPayload{CallID: sig.CallID, From: sig.From, To: sig.To, Data: sig.SDP}}, nil
	case KindAnswer:
		return Encoded{Topic: mq.TopicWebRTCAnswer, Payload: mq.SDPPayload{CallID: sig.CallID, From: sig.From, To: sig.To, Data: sig.SDP}}, nil
	case KindICE:
		return Encoded{Topic: mq.TopicWebRTCICE, Payload: mq.ICEPayload{CallID: sig.CallID, From: sig.From, To: sig.To, Candidate: sig.Candidate}}, nil
	}
	return Encoded{}, fmt.Errorf("%w: event codec cannot encode %q", ErrUnsupportedOnChannel, sig.Kind)
}

// Decode validates raw against the shape expected for topic. from is the
// relay-stamped sender. Both client->relay and relay->client topics are
// understood.
func (EventCodec) Decode(topic, from string, raw json.RawMessage) (Signal, error) {
	sig := Signal{From: from, Channel: ChannelEvent}
	switch topic {
	case mq.TopicCallInitiate:
		var p mq.InitiatePayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.ReceiverID == "" || !p.CallType.Valid() || p.Metadata == nil || p.Metadata.CallID == "" {
			return Signal{}, malformed("%s: missing receiverId, callType or callId", topic)
		}
		sig.Kind, sig.CallID, sig.To, sig.CallType = KindInvite, p.Metadata.CallID, p.ReceiverID, p.CallType
		sig.ConversationID = p.Metadata.ConversationID

	case mq.TopicCallIncoming:
		var p mq.IncomingPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if err := checkCall(topic, p.CallID, p.Call); err != nil {
			return Signal{}, err
		}
		if sig.From == "" {
			sig.From = p.Call.CallerID
		}
		if p.Call.CallerID != sig.From {
			return Signal{}, malformed("%s: caller %q does not match sender %q", topic, p.Call.CallerID, sig.From)
		}
		caller := p.Caller
		if caller.UserID == "" {
			caller.UserID = sig.From
		}
		sig.Kind, sig.CallID, sig.To, sig.CallType = KindInvite, p.CallID, p.Call.ReceiverID, p.Call.Type
		sig.ConversationID, sig.Call, sig.Caller = p.Call.ConversationID, p.Call, &caller

	case mq.TopicCallAccept:
		var p mq.CallIDPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.CallID == "" {
			return Signal{}, malformed("%s: missing callId", topic)
		}
		sig.Kind, sig.CallID = KindAccept, p.CallID

	case mq.TopicCallAccepted:
		var p mq.AcceptedPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if err := checkCall(topic, p.CallID, p.Call); err != nil {
			return Signal{}, err
		}
		sig.Kind, sig.CallID, sig.Call = KindAccept, p.CallID, p.Call
		sig.From = firstNonEmpty(sig.From, p.AcceptedBy)

	case mq.TopicCallReject, mq.TopicCallEnd:
		var p mq.ReasonPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.CallID == "" {
			return Signal{}, malformed("%s: missing callId", topic)
		}
		sig.Kind = KindReject
		if topic == mq.TopicCallEnd {
			sig.Kind = KindEnd
		}
		sig.CallID, sig.Reason = p.CallID, p.Reason

	case mq.TopicCallRejected:
		var p mq.RejectedPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if err := checkCall(topic, p.CallID, p.Call); err != nil {
			return Signal{}, err
		}
		sig.Kind, sig.CallID, sig.Call, sig.Reason = KindReject, p.CallID, p.Call, p.Reason
		sig.From = firstNonEmpty(sig.From, p.RejectedBy)

	case mq.TopicCallEnded:
		var p mq.EndedPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if err := checkCall(topic, p.CallID, p.Call); err != nil {
			return Signal{}, err
		}
		sig.Kind, sig.CallID, sig.Call, sig.Reason = KindEnd, p.CallID, p.Call, p.Reason
		sig.From = firstNonEmpty(sig.From, p.EndedBy)

	case mq.TopicCallError:
		var p mq.CallErrorPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.Message == "" {
			return Signal{}, malformed("%s: missing message", topic)
		}
		sig.Kind, sig.CallID, sig.Message, sig.Event = KindError, p.CallID, p.Message, p.Event

	case mq.TopicWebRTCOffer, mq.TopicWebRTCAnswer:
		var p mq.SDPPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.CallID == "" || p.Data == "" {
			return Signal{}, malformed("%s: missing callId or sdp", topic)
		}
		if err := checkFrom(topic, &sig, p.From); err != nil {
			return Signal{}, err
		}
		sig.Kind = KindOffer
		if topic == mq.TopicWebRTCAnswer {
			sig.Kind = KindAnswer
		}
		sig.CallID, sig.To, sig.SDP = p.CallID, p.To, p.Data

	case mq.TopicWebRTCICE:
		var p mq.ICEPayload
		if err := decodePayload(raw, &p); err != nil {
			return Signal{}, err
		}
		if p.CallID == "" || p.Candidate == nil {
			return Signal{}, malformed("%s: missing callId or candidate", topic)
		}
		if err := checkFrom(topic, &sig, p.From); err != nil {
			return Signal{}, err
		}
		sig.Kind, sig.CallID, sig.To, sig.Candidate = KindICE, p.CallID, p.To, p.Candidate

	default:
		return Signal{}, malformed("unknown event %q", topic)
	}
	return sig, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return malformed("empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed("%v", err)
	}
	return nil
}

func checkCall(topic, callID string, c *calls.Call) error {
	if callID == "" || c == nil {
		return malformed("%s: missing callId or call", topic)
	}
	if c.ID != callID {
		return malformed("%s: call.callId %q does not match %q", topic, c.ID, callID)
	}
	return nil
}

// checkFrom rejects a payload whose claimed sender differs from the frame
// sender.
func checkFrom(topic string, sig *Signal, claimed string) error {
	if sig.From == "" {
		sig.From = claimed
		return nil
	}
	if claimed != "" && claimed != sig.From {
		return malformed("%s: payload from %q does not match sender %q", topic, claimed, sig.From)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ── In-band chat ─────────────────────────────────────────────────────────────

var chatPrefixes = map[Kind]string{
	KindInvite: "[CALL_INVITE]",
	KindAccept: "[CALL_ACCEPT]",
	KindReject: "[CALL_REJECT]",
}

type roomPayload struct {
	Room string `json:"room"`
}

// ChatCodec carries invite, accept and reject as chat content of the form
// "[CALL_INVITE]" + {"room":"<callId>"}.
type ChatCodec struct{}

func (ChatCodec) Channel() Channel { return ChannelChat }

func (ChatCodec) Supports(k Kind) bool {
	_, ok := chatPrefixes[k]
	return ok
}

// Encode returns the chat content for sig.
func (ChatCodec) Encode(sig Signal) (Encoded, error) {
	prefix, ok := chatPrefixes[sig.Kind]
	if !ok {
		return Encoded{}, ErrUnsupportedOnChannel
	}
	if sig.CallID == "" {
		return Encoded{}, malformed("missing room")
	}
	b, err := json.Marshal(roomPayload{Room: sig.CallID})
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Content: prefix + string(b)}, nil
}

// Decode classifies chat content. Content without a call prefix returns
// ErrNotSignal; a prefix with an unparsable remainder returns a malformed
// error. Only Kind and CallID are set.
func (ChatCodec) Decode(content string) (Signal, error) {
	for kind, prefix := range chatPrefixes {
		rest, ok := strings.CutPrefix(content, prefix)
		if !ok {
			continue
		}
		var p roomPayload
		if err := json.Unmarshal([]byte(rest), &p); err != nil {
			return Signal{}, malformed("%s: %v", prefix, err)
		}
		if p.Room == "" {
			return Signal{}, malformed("%s: empty room", prefix)
		}
		return Signal{Kind: kind, CallID: p.Room, Channel: ChannelChat}, nil
	}
	return Signal{}, ErrNotSignal
}
