package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopchat/internal/bus"
)

// MessageType says where a message travelled.
type MessageType string

const (
	MessageTypeDirect MessageType = "direct" // over a peer data channel
	MessageTypeGroup  MessageType = "group"  // over a group bus topic
)

// Message is one chat line or file share as kept in history.
type Message struct {
	ID         string       `json:"id"`
	From       string       `json:"from"`
	SenderName string       `json:"sender_name,omitempty"`
	To         string       `json:"to"` // peer id for direct, group id for group
	Type       MessageType  `json:"type"`
	Kind       bus.Kind     `json:"kind"`
	Content    string       `json:"content,omitempty"`
	File       *bus.FileRef `json:"file,omitempty"`
	Timestamp  int64        `json:"timestamp"` // unix millis
}

// NewMessage creates an outgoing text message.
func NewMessage(typ MessageType, from, to, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Kind:      bus.KindText,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewFileMessage creates an outgoing file share.
func NewFileMessage(typ MessageType, from, to string, ref *bus.FileRef) *Message {
	m := NewMessage(typ, from, to, ref.Name)
	m.Kind = bus.KindFile
	m.File = ref
	return m
}

// IsFile reports whether the message carries an attachment.
func (m *Message) IsFile() bool { return m.Kind == bus.KindFile && m.File != nil }
