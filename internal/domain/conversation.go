package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	KindDirect       ConversationKind = "direct"
	KindGroup        ConversationKind = "group"
	KindClassSection ConversationKind = "class_section"
	KindOrganization ConversationKind = "organization"
)

// ConversationID is a tagged identifier. Durable ids are server-assigned;
// local ids are synthesized when the backend is unreachable and never
// leave the process. Code branches on IsLocal, never on string shape.
type ConversationID struct {
	value string
	local bool
}

func DurableID(id string) ConversationID {
	return ConversationID{value: id}
}

// NewLocalID synthesizes a non-durable identifier for degraded mode.
func NewLocalID() ConversationID {
	return ConversationID{value: uuid.NewString(), local: true}
}

func (id ConversationID) IsLocal() bool { return id.local }
func (id ConversationID) IsZero() bool  { return id.value == "" }

// String returns the raw server id for durable identifiers. Local ids
// carry a prefix for logging only.
func (id ConversationID) String() string {
	if id.local {
		return "local:" + id.value
	}
	return id.value
}

type Conversation struct {
	ID             ConversationID   `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Name           *string          `json:"name,omitempty"`
	ClassSectionID *string          `json:"class_section_id,omitempty"`
	OrganizationID *string          `json:"organization_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Participant's last-read timestamp is its only mutable field. The zero
// time means "never read".
type Participant struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	LastReadAt     time.Time      `json:"last_read_at"`
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatar_url"`
}

// LastMessage is the denormalized projection shown in conversation lists.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	Unsent    bool      `json:"unsent"`
}

// ConversationSummary is what the conversation list renders: the
// conversation, the other participant's profile (direct only), the last
// message and the caller's unread count.
type ConversationSummary struct {
	Conversation
	Other       *Profile     `json:"other,omitempty"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	Unread      int          `json:"unread"`
}

// LastActivity orders conversation lists: last-message time, falling
// back to creation time when the conversation has no message yet.
func (s *ConversationSummary) LastActivity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}
