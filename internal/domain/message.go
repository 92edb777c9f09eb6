package domain

import "time"

type Message struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Metadata       Metadata       `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	// Sender is resolved lazily from the profiles entity for realtime
	// inserts; nil until resolved.
	Sender *Profile `json:"sender,omitempty"`
	// Pending marks an optimistic entry not yet confirmed durable.
	Pending bool `json:"pending,omitempty"`
}

func (m *Message) Unsent() bool {
	return m.Metadata.Unsent()
}

// Before defines the total order within a conversation: creation time
// ascending, ties broken by identifier.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

func (m *Message) Clone() *Message {
	cp := *m
	cp.Metadata = m.Metadata.Clone()
	if m.Sender != nil {
		sender := *m.Sender
		cp.Sender = &sender
	}
	return &cp
}
