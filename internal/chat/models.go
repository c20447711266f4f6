package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Kind is a presentation hint, independent of the speaker.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// Well-known turn attribute keys. Readers must tolerate any of them missing.
const (
	AttrAudioURL       = "audio_url"
	AttrInputAudioURL  = "input_audio_url"
	AttrVoice          = "voice"
	AttrLanguage       = "language"
	AttrPersona        = "persona"
	AttrSynthesisError = "synthesis_error"
	AttrRecallScore    = "recall_score"
)

// Persona is a named identity with a fixed system prompt. OwnerID 0 marks a
// built-in persona usable by everyone.
type Persona struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID      uint64    `gorm:"index;not null;default:0" json:"owner_id"`
	Name         string    `gorm:"type:varchar(64);not null" json:"name"`
	SystemPrompt string    `gorm:"type:text;not null" json:"-"`
	Voice        string    `gorm:"type:varchar(32)" json:"voice,omitempty"`
	Language     string    `gorm:"type:varchar(32)" json:"language,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Persona) TableName() string { return "personas" }

// UsableBy reports whether userID may open a session with this persona.
func (p *Persona) UsableBy(userID uint64) bool {
	return p.OwnerID == 0 || p.OwnerID == userID
}

type Session struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string     `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID        uint64     `gorm:"not null;uniqueIndex:uniq_chat_session_user_persona,priority:1" json:"-"`
	PersonaID     uint64     `gorm:"not null;uniqueIndex:uniq_chat_session_user_persona,priority:2" json:"persona_id"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Turn is one message of a session. Turns are append-only; retraction is a delete.
type Turn struct {
	ID         uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string            `gorm:"type:varchar(26);not null;index:idx_chat_turn_session_created,priority:1" json:"session_id"`
	Speaker    Speaker           `gorm:"type:varchar(16);not null" json:"speaker"`
	Text       string            `gorm:"type:text;not null" json:"text"`
	Kind       Kind              `gorm:"type:varchar(16);not null;default:'text'" json:"kind"`
	Attributes datatypes.JSONMap `json:"attributes,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_chat_turn_session_created,priority:2" json:"created_at"`
}

func (Turn) TableName() string { return "chat_turns" }

// Attr returns a string attribute, or "" when missing or not a string.
func (t *Turn) Attr(key string) string {
	if t.Attributes == nil {
		return ""
	}
	s, _ := t.Attributes[key].(string)
	return s
}

// Exchange is a user query and the assistant answer that followed it.
type Exchange struct {
	SessionID string
	QueryID   uint64
	Query     string
	Answer    string
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Persona{}, &Session{}, &Turn{}, &Job{}}
}
