// Package transport connects the pipeline to a chat bridge: inbound events
// arrive on a channel, replies go out through Send. The production
// implementation speaks JSON frames over a websocket; tests substitute
// their own.
package transport

import (
	"context"

	"chatterd/internal/chat"
)

// Transport is what the dispatch pipeline sees.
type Transport interface {
	// Events delivers inbound chat events in arrival order.
	Events() <-chan chat.Event
	// Send delivers one text message to a contact.
	Send(ctx context.Context, contactID, text string) error
	// ResolveDisplayName returns the contact's display name, or "" when
	// unknown.
	ResolveDisplayName(contactID string) string

	Close() error
}
