package wire

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(EventSendPrivateMessage, SendPrivateMessage{
		SenderID:   "1",
		ReceiverID: "42",
		Body:       "hello",
		Kind:       KindText,
		CreatedAt:  1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != EventSendPrivateMessage {
		t.Errorf("event = %q, want %q", f.Event, EventSendPrivateMessage)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"event": "x", "data"`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeMissingEventTag(t *testing.T) {
	_, err := Decode([]byte(`{"data": {}}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeInboundMessage(t *testing.T) {
	f, err := Decode([]byte(`{"event":"receive_private_message","data":{"id":"m1","senderId":"7","receiverId":"1","message":"oi","messageType":"text","createdAt":5000,"senderName":"Ana"}}`))
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeInbound(f)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.(*Message)
	if !ok {
		t.Fatalf("payload type = %T, want *Message", v)
	}
	if m.ID != "m1" || m.SenderID != "7" || m.Body != "oi" || m.CreatedAt != 5000 {
		t.Errorf("decoded message = %+v", m)
	}
}

func TestDecodeInboundOfflineBatch(t *testing.T) {
	f, err := Decode([]byte(`{"event":"offline_messages","data":{"messages":[{"id":"a","senderId":"7","receiverId":"1","message":"x","messageType":"text","createdAt":1},{"id":"b","senderId":"7","receiverId":"1","message":"y","messageType":"text","createdAt":2}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeInbound(f)
	if err != nil {
		t.Fatal(err)
	}
	batch, ok := v.(*OfflineMessages)
	if !ok {
		t.Fatalf("payload type = %T, want *OfflineMessages", v)
	}
	if len(batch.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(batch.Messages))
	}
}

func TestDecodeInboundUnknownEvent(t *testing.T) {
	f, err := Decode([]byte(`{"event":"typing_indicator","data":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = DecodeInbound(f)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeInboundSchemaMismatch(t *testing.T) {
	f, err := Decode([]byte(`{"event":"message_sent","data":[1,2,3]}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = DecodeInbound(f)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}
