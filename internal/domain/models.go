package domain

import (
	"errors"
	"time"
)

var ErrInvalidPayload = errors.New("message payload must carry exactly one of text, image url or voice url")

type User struct {
	UID       string          `json:"uid"`
	Name      string          `json:"name"`
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	CreatedAt time.Time       `json:"created_at"`
	Following map[string]bool `json:"following,omitempty"`
	Followers map[string]bool `json:"followers,omitempty"`
}

// Payload is a tagged union: exactly one field is set. Build values through
// the constructors; Validate rejects anything else.
type Payload struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	VoiceURL string `json:"voiceUrl,omitempty"`
}

func TextPayload(text string) Payload { return Payload{Text: text} }
func ImagePayload(url string) Payload { return Payload{ImageURL: url} }
func VoicePayload(url string) Payload { return Payload{VoiceURL: url} }

func (p Payload) Validate() error {
	n := 0
	for _, v := range []string{p.Text, p.ImageURL, p.VoiceURL} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return ErrInvalidPayload
	}
	return nil
}

// Preview is the one-line rendering used for chat summaries and push bodies.
func (p Payload) Preview() string {
	switch {
	case p.Text != "":
		return p.Text
	case p.ImageURL != "":
		return "[Image]"
	case p.VoiceURL != "":
		return "[Voice Message]"
	default:
		return "New message"
	}
}

type Message struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chatId"`
	SenderID  string            `json:"senderId"`
	Payload   Payload           `json:"payload"`
	Timestamp int64             `json:"timestamp"` // unix millis
	Reactions map[string]string `json:"reactions,omitempty"`
	ReadBy    map[string]int64  `json:"readBy,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// ChatSummary is a derived view over the message log, one per conversation.
type ChatSummary struct {
	ChatID        string `json:"chatId"`
	OtherUID      string `json:"otherUid"`
	OtherUser     *User  `json:"otherUser,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastTimestamp int64  `json:"lastTimestamp,omitempty"`
}

type PresenceRecord struct {
	UID      string `json:"uid"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix millis, zero if never seen
}

type TypingRecord struct {
	ChatID string `json:"chatId"`
	UID    string `json:"uid"`
	Typing bool   `json:"typing"`
}

type Platform string

const (
	PlatformFCM  Platform = "fcm"
	PlatformExpo Platform = "expo"
)

type NotificationToken struct {
	UID      string   `json:"uid"`
	Token    string   `json:"token"`
	Platform Platform `json:"platform"`
}

const (
	EventTypeMessageCreated = "MESSAGE_CREATED"
	EventTypeMessageRead    = "MESSAGE_READ"
	EventTypeMessageDeleted = "MESSAGE_DELETED"
	EventTypeReactionSet    = "REACTION_SET"
	EventTypeTyping         = "TYPING"
	EventTypePresence       = "PRESENCE"
)
