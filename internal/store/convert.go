package store

import "github.com/rafaelmp2/chatlink/internal/wire"

// FromWire maps a wire message onto the store's representation.
func FromWire(m *wire.Message) *Message {
	return &Message{
		ServerID:     m.ID,
		SenderID:     m.SenderID,
		ReceiverID:   m.ReceiverID,
		Body:         m.Body,
		Kind:         m.Kind,
		Read:         m.Read,
		CreatedAt:    m.CreatedAt,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
	}
}
