package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	convPrefix    = "conv/"
	summaryPrefix = "sum/"
)

// BadgerStore keeps records as JSON values in an embedded Badger database,
// conversations under "conv/<id>" and summaries under "sum/<id>".
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

// NewBadger opens (or creates) the Badger database in dir.
func NewBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger database: %w", err)
	}

	return &BadgerStore{db: db, log: logger.Named("badger")}, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// SaveConversation upserts the full conversation record.
func (b *BadgerStore) SaveConversation(_ context.Context, rec ConversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal conversation %s: %w", rec.ID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(convPrefix+rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", rec.ID, err)
	}
	return nil
}

// LoadConversation retrieves one conversation by id.
func (b *BadgerStore) LoadConversation(_ context.Context, id string) (ConversationRecord, bool, error) {
	var rec ConversationRecord
	found := false

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(convPrefix + id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return ConversationRecord{}, false, fmt.Errorf("store: load conversation %s: %w", id, err)
	}
	if !found {
		return ConversationRecord{}, false, nil
	}
	if err := checkConversationSchema(rec); err != nil {
		return ConversationRecord{}, false, err
	}
	return rec, true, nil
}

// LoadConversations retrieves every readable conversation. Values that fail
// to decode or carry an unknown schema are logged and skipped.
func (b *BadgerStore) LoadConversations(_ context.Context) ([]ConversationRecord, error) {
	var recs []ConversationRecord

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = []byte(convPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			var rec ConversationRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				b.log.Warn("skipping unreadable conversation value", zap.String("key", key), zap.Error(err))
				continue
			}
			if err := checkConversationSchema(rec); err != nil {
				b.log.Warn("skipping conversation record", zap.Error(err))
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load conversations: %w", err)
	}
	return recs, nil
}

// SaveSummary upserts the conversation's summary.
func (b *BadgerStore) SaveSummary(_ context.Context, rec SummaryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal summary %s: %w", rec.ConversationID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(summaryPrefix+rec.ConversationID), data)
	})
	if err != nil {
		return fmt.Errorf("store: save summary %s: %w", rec.ConversationID, err)
	}
	return nil
}

// LoadSummary retrieves the summary for one conversation.
func (b *BadgerStore) LoadSummary(_ context.Context, conversationID string) (SummaryRecord, bool, error) {
	var rec SummaryRecord
	found := false

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(summaryPrefix + conversationID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("store: load summary %s: %w", conversationID, err)
	}
	if !found {
		return SummaryRecord{}, false, nil
	}
	if err := checkSummarySchema(rec); err != nil {
		return SummaryRecord{}, false, err
	}
	return rec, true, nil
}

// LoadSummaries retrieves every readable summary.
func (b *BadgerStore) LoadSummaries(_ context.Context) ([]SummaryRecord, error) {
	var recs []SummaryRecord

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = []byte(summaryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			var rec SummaryRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				b.log.Warn("skipping unreadable summary value", zap.String("key", key), zap.Error(err))
				continue
			}
			if err := checkSummarySchema(rec); err != nil {
				b.log.Warn("skipping summary record", zap.Error(err))
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load summaries: %w", err)
	}
	return recs, nil
}

// DeleteConversation removes the conversation and its summary.
func (b *BadgerStore) DeleteConversation(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(convPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(summaryPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
