package signal

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsig/internal/calls"
	"github.com/petervdpas/callsig/internal/mq"
)

func strPtr(s string) *string { return &s }
func u16Ptr(v uint16) *uint16 { return &v }

func TestEventCodecRoundTrip(t *testing.T) {
	cand := &mq.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host",
		SDPMid:        strPtr("0"),
		SDPMLineIndex: u16Ptr(0),
	}
	cases := []Signal{
		{Kind: KindInvite, CallID: "c1", From: "alice", To: "bob", ConversationID: "alice:bob", CallType: calls.TypeVideo},
		{Kind: KindInvite, CallID: "c2", From: "alice", To: "bob", CallType: calls.TypeVoice},
		{Kind: KindAccept, CallID: "c1", From: "bob"},
		{Kind: KindReject, CallID: "c1", From: "bob", Reason: "busy"},
		{Kind: KindEnd, CallID: "c1", From: "alice"},
		{Kind: KindOffer, CallID: "c1", From: "alice", To: "bob", SDP: "v=0\r\no=- 1 2 IN IP4 0.0.0.0\r\n"},
		{Kind: KindAnswer, CallID: "c1", From: "bob", To: "alice", SDP: "v=0\r\n"},
		{Kind: KindICE, CallID: "c1", From: "alice", To: "bob", Candidate: cand},
	}
	var codec EventCodec
	for _, want := range cases {
		t.Run(string(want.Kind), func(t *testing.T) {
			want.Channel = ChannelEvent
			enc, err := codec.Encode(want)
			require.NoError(t, err)
			assert.Empty(t, enc.Content)
			raw, err := json.Marshal(enc.Payload)
			require.NoError(t, err)

			got, err := codec.Decode(enc.Topic, want.From, raw)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventCodecCannotEncodeError(t *testing.T) {
	_, err := EventCodec{}.Encode(Signal{Kind: KindError})
	assert.ErrorIs(t, err, ErrUnsupportedOnChannel)
}

func TestEventCodecDecodesRelayEvents(t *testing.T) {
	call := &calls.Call{ID: "c1", CallerID: "alice", ReceiverID: "bob", Type: calls.TypeVoice, Status: calls.StatusPending, ConversationID: "alice:bob"}
	raw, _ := json.Marshal(mq.IncomingPayload{CallID: "c1", Call: call, Caller: calls.Caller{UserID: "alice", DisplayName: "Alice"}})

	sig, err := EventCodec{}.Decode(mq.TopicCallIncoming, "alice", raw)
	require.NoError(t, err)
	assert.Equal(t, KindInvite, sig.Kind)
	assert.Equal(t, calls.TypeVoice, sig.CallType)
	assert.Equal(t, "alice:bob", sig.ConversationID)
	assert.Equal(t, "Alice", sig.Caller.DisplayName)

	raw, _ = json.Marshal(mq.AcceptedPayload{CallID: "c1", Call: call, AcceptedBy: "bob"})
	sig, err = EventCodec{}.Decode(mq.TopicCallAccepted, "", raw)
	require.NoError(t, err)
	assert.Equal(t, KindAccept, sig.Kind)
	assert.Equal(t, "bob", sig.From)

	raw, _ = json.Marshal(mq.CallErrorPayload{Message: "user offline", Event: mq.TopicCallInitiate, CallID: "c1"})
	sig, err = EventCodec{}.Decode(mq.TopicCallError, "", raw)
	require.NoError(t, err)
	assert.Equal(t, KindError, sig.Kind)
	assert.Equal(t, "user offline", sig.Message)
}

func TestEventCodecRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		from  string
		raw   string
	}{
		{"empty payload", mq.TopicCallAccept, "bob", ``},
		{"not json", mq.TopicCallAccept, "bob", `{"callId":`},
		{"wrong type", mq.TopicCallAccept, "bob", `{"callId":42}`},
		{"accept without id", mq.TopicCallAccept, "bob", `{}`},
		{"initiate without metadata", mq.TopicCallInitiate, "alice", `{"receiverId":"bob","callType":"video"}`},
		{"initiate bad type", mq.TopicCallInitiate, "alice", `{"receiverId":"bob","callType":"fax","metadata":{"callId":"c1"}}`},
		{"incoming without call", mq.TopicCallIncoming, "alice", `{"callId":"c1"}`},
		{"incoming id mismatch", mq.TopicCallIncoming, "alice", `{"callId":"c1","call":{"callId":"c2","callerId":"alice"}}`},
		{"incoming spoofed caller", mq.TopicCallIncoming, "mallory", `{"callId":"c1","call":{"callId":"c1","callerId":"alice"}}`},
		{"offer without sdp", mq.TopicWebRTCOffer, "alice", `{"callId":"c1","from":"alice"}`},
		{"offer spoofed from", mq.TopicWebRTCOffer, "mallory", `{"callId":"c1","from":"alice","data":"v=0"}`},
		{"ice without candidate", mq.TopicWebRTCICE, "alice", `{"callId":"c1","from":"alice"}`},
		{"error without message", mq.TopicCallError, "", `{"event":"call:initiate"}`},
		{"unknown topic", "call:teleport", "alice", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EventCodec{}.Decode(tt.topic, tt.from, json.RawMessage(tt.raw))
			assert.ErrorIs(t, err, calls.ErrMalformedSignal)
		})
	}
}

func TestChatCodecRoundTrip(t *testing.T) {
	var codec ChatCodec
	for _, k := range []Kind{KindInvite, KindAccept, KindReject} {
		want := Signal{Kind: k, CallID: "r9", Channel: ChannelChat}
		enc, err := codec.Encode(want)
		require.NoError(t, err)
		got, err := codec.Decode(enc.Content)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestChatCodecWireFormat(t *testing.T) {
	enc, err := ChatCodec{}.Encode(Signal{Kind: KindInvite, CallID: "r9"})
	require.NoError(t, err)
	assert.Equal(t, `[CALL_INVITE]{"room":"r9"}`, enc.Content)
	assert.Empty(t, enc.Topic)
}

func TestChatCodecClassification(t *testing.T) {
	tests := []struct {
		content string
		kind    Kind
		err     error
	}{
		{`[CALL_ACCEPT]{"room":"r1"}`, KindAccept, nil},
		{`[CALL_REJECT]{"room":"r1"}`, KindReject, nil},
		{`hello there`, KindNone, ErrNotSignal},
		{`see [CALL_INVITE]{"room":"r1"}`, KindNone, ErrNotSignal},
		{`[CALL_END]{"room":"r1"}`, KindNone, ErrNotSignal},
		{`[CALL_INVITE]{"room":`, KindNone, calls.ErrMalformedSignal},
		{`[CALL_INVITE]{"room":""}`, KindNone, calls.ErrMalformedSignal},
		{`[CALL_INVITE]`, KindNone, calls.ErrMalformedSignal},
	}
	for _, tt := range tests {
		sig, err := ChatCodec{}.Decode(tt.content)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.content)
			continue
		}
		require.NoError(t, err, tt.content)
		assert.Equal(t, tt.kind, sig.Kind, tt.content)
	}
}

func TestChatCodecUnsupportedKinds(t *testing.T) {
	for _, k := range []Kind{KindEnd, KindOffer, KindAnswer, KindICE} {
		assert.False(t, ChatCodec{}.Supports(k))
		_, err := ChatCodec{}.Encode(Signal{Kind: k, CallID: "c1"})
		assert.ErrorIs(t, err, ErrUnsupportedOnChannel)
	}
}

func TestWebRTCConversion(t *testing.T) {
	cand := &mq.ICECandidateInit{Candidate: "candidate:1", SDPMid: strPtr("0")}
	in := Signal{Kind: KindICE, CallID: "c1", From: "alice", To: "bob", Candidate: cand}
	ws, ok := in.WebRTC()
	require.True(t, ok)
	assert.Equal(t, calls.SignalICECandidate, ws.Type)

	back, err := FromWebRTC(ws)
	require.NoError(t, err)
	if diff := cmp.Diff(in, back); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, ok = Signal{Kind: KindAccept}.WebRTC()
	assert.False(t, ok)
}
