package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports a frame that could not be decoded. Malformed
// frames are logged and dropped by the dispatcher; they never close the
// connection.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownEvent reports a syntactically valid frame whose event tag is
// not recognized. Unknown events are ignored for forward compatibility.
var ErrUnknownEvent = errors.New("unknown event")

// Frame is one wire-level envelope exchanged over the persistent connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes an envelope with the given event tag and payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return raw, nil
}

// Decode parses a raw envelope without interpreting its payload.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: missing event tag", ErrMalformedFrame)
	}
	return &f, nil
}

// DecodeInbound interprets a decoded frame as one of the recognized
// inbound payload types. Returns ErrUnknownEvent for tags this client
// does not understand and ErrMalformedFrame for payloads that do not
// match the event's schema.
func DecodeInbound(f *Frame) (any, error) {
	switch f.Event {
	case EventReceivePrivateMessage:
		var m Message
		if err := unmarshalData(f, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case EventMessageSent:
		var p MessageSent
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventMessageRead:
		var p MessageRead
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventOnlineStatus:
		var p OnlineStatus
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventOfflineMessages:
		var p OfflineMessages
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func unmarshalData(f *Frame, v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Event, err)
	}
	return nil
}
