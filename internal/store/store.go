// Package store persists conversations and summaries. Three backends
// implement the same contract: SQLite (default), Badger, and a plain
// JSON file tree. The backend is selected by configuration; callers
// only see the Store interface.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"chatterd/internal/chat"
)

// CurrentSchema is the version written into every record. Readers reject
// records carrying any other version.
const CurrentSchema = 1

// ConversationRecord is the durable form of one conversation.
type ConversationRecord struct {
	Schema    int            `json:"schema"`
	ID        string         `json:"id"`
	ContactID string         `json:"contactId"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// SummaryRecord is the durable form of a conversation's single summary.
type SummaryRecord struct {
	Schema         int       `json:"schema"`
	ConversationID string    `json:"conversationId"`
	MessageCount   int       `json:"messageCount"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	KeyTopics      []string  `json:"keyTopics"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is the persistence contract. Writes are idempotent upserts keyed
// by conversation id; loads of absent records report ok=false, not an
// error. Bulk loads skip and log unreadable records so one bad entry
// cannot block startup.
type Store interface {
	SaveConversation(ctx context.Context, rec ConversationRecord) error
	LoadConversation(ctx context.Context, id string) (ConversationRecord, bool, error)
	LoadConversations(ctx context.Context) ([]ConversationRecord, error)

	SaveSummary(ctx context.Context, rec SummaryRecord) error
	LoadSummary(ctx context.Context, conversationID string) (SummaryRecord, bool, error)
	LoadSummaries(ctx context.Context) ([]SummaryRecord, error)

	// DeleteConversation removes the conversation and its summary, if any.
	DeleteConversation(ctx context.Context, id string) error

	Close() error
}

// Open creates the backend named in the configuration, rooted under dir.
func Open(backend, root string, logger *zap.Logger) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLite(filepath.Join(root, "chatterd.db"), logger)
	case "badger":
		return NewBadger(filepath.Join(root, "badger"), logger)
	case "file":
		return NewFileTree(filepath.Join(root, "conversations"), logger)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}

func checkConversationSchema(rec ConversationRecord) error {
	if rec.Schema != CurrentSchema {
		return fmt.Errorf("store: conversation %s: unsupported schema %d", rec.ID, rec.Schema)
	}
	return nil
}

func checkSummarySchema(rec SummaryRecord) error {
	if rec.Schema != CurrentSchema {
		return fmt.Errorf("store: summary %s: unsupported schema %d", rec.ConversationID, rec.Schema)
	}
	return nil
}
