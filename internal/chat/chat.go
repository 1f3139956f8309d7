// Package chat defines the wire-level event and message model shared by the
// transport, dispatch pipeline, and conversation memory.
package chat

import (
	"strings"
	"time"
)

// Event types as delivered by a transport.
const (
	EventChat      = "chat"
	EventGroup     = "group"
	EventBroadcast = "broadcast"
)

// BroadcastSuffix marks broadcast-channel pseudo-contacts such as
// "status@broadcast". Events from these addresses are never answered.
const BroadcastSuffix = "@broadcast"

// Event is a single inbound message event from the transport.
type Event struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Type      string `json:"type"`
	FromMe    bool   `json:"fromMe"`
}

// IsGroup reports whether the event originated from a group chat.
func (e Event) IsGroup() bool {
	return e.Type == EventGroup
}

// IsBroadcast reports whether the event came from a broadcast pseudo-contact.
func (e Event) IsBroadcast() bool {
	return e.Type == EventBroadcast || strings.HasSuffix(e.From, BroadcastSuffix)
}

// Sent returns the event timestamp as a time.Time.
func (e Event) Sent() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// Message is one conversation turn. Messages are immutable once appended to a
// conversation; their order of appearance is chronological and meaningful.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ConversationKey derives the deterministic per-contact conversation key from
// a raw contact identifier: every non-alphanumeric rune is replaced with '_',
// so "+31612345678@c.us" and "31612345678@c.us" map to distinct but stable
// keys and the result is safe to use as a storage key or file name.
func ConversationKey(contactID string) string {
	var b strings.Builder
	b.Grow(len(contactID))
	for _, r := range contactID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
