package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps conversations and summaries in a single SQLite file.
// Message lists and topic lists are stored as JSON columns; timestamps as
// unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	log    *zap.Logger
}

// NewSQLite initializes the SQLite database at the given path.
func NewSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("set sqlite busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("set sqlite journal_mode=WAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("set sqlite synchronous=NORMAL failed", zap.Error(err))
	}

	s := &SQLiteStore{db: db, dbPath: path, log: logger.Named("sqlite")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		schema INTEGER NOT NULL,
		contact_id TEXT NOT NULL,
		messages TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`

	summariesTable := `
	CREATE TABLE IF NOT EXISTS summaries (
		conversation_id TEXT PRIMARY KEY,
		schema INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		key_topics TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	for _, table := range []string{conversationsTable, summariesTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveConversation upserts the full conversation record.
func (s *SQLiteStore) SaveConversation(ctx context.Context, rec ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("store: marshal messages for %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations (id, schema, contact_id, messages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Schema, rec.ContactID, string(msgJSON),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", rec.ID, err)
	}
	return nil
}

// LoadConversation retrieves one conversation by id.
func (s *SQLiteStore) LoadConversation(ctx context.Context, id string) (ConversationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema, contact_id, messages, created_at, updated_at FROM conversations WHERE id = ?`, id)

	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, err
	}
	if err := checkConversationSchema(rec); err != nil {
		return ConversationRecord{}, false, err
	}
	return rec, true, nil
}

// LoadConversations retrieves every readable conversation. Rows that fail
// to scan or carry an unknown schema are logged and skipped.
func (s *SQLiteStore) LoadConversations(ctx context.Context) ([]ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schema, contact_id, messages, created_at, updated_at FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load conversations: %w", err)
	}
	defer rows.Close()

	var recs []ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			s.log.Warn("skipping unreadable conversation row", zap.Error(err))
			continue
		}
		if err := checkConversationSchema(rec); err != nil {
			s.log.Warn("skipping conversation record", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveSummary upserts the conversation's summary; at most one row survives
// per conversation.
func (s *SQLiteStore) SaveSummary(ctx context.Context, rec SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topicsJSON, err := json.Marshal(rec.KeyTopics)
	if err != nil {
		return fmt.Errorf("store: marshal topics for %s: %w", rec.ConversationID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries (conversation_id, schema, message_count, start_at, end_at, key_topics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Schema, rec.MessageCount,
		rec.Start.UnixMilli(), rec.End.UnixMilli(), string(topicsJSON), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save summary %s: %w", rec.ConversationID, err)
	}
	return nil
}

// LoadSummary retrieves the summary for one conversation.
func (s *SQLiteStore) LoadSummary(ctx context.Context, conversationID string) (SummaryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, schema, message_count, start_at, end_at, key_topics, created_at
		 FROM summaries WHERE conversation_id = ?`, conversationID)

	rec, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return SummaryRecord{}, false, nil
	}
	if err != nil {
		return SummaryRecord{}, false, err
	}
	if err := checkSummarySchema(rec); err != nil {
		return SummaryRecord{}, false, err
	}
	return rec, true, nil
}

// LoadSummaries retrieves every readable summary.
func (s *SQLiteStore) LoadSummaries(ctx context.Context) ([]SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, schema, message_count, start_at, end_at, key_topics, created_at
		 FROM summaries ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load summaries: %w", err)
	}
	defer rows.Close()

	var recs []SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			s.log.Warn("skipping unreadable summary row", zap.Error(err))
			continue
		}
		if err := checkSummarySchema(rec); err != nil {
			s.log.Warn("skipping summary record", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteConversation removes the conversation and its summary.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete summary %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var rec ConversationRecord
	var msgJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&rec.ID, &rec.Schema, &rec.ContactID, &msgJSON, &createdAt, &updatedAt); err != nil {
		return ConversationRecord{}, err
	}
	if err := json.Unmarshal([]byte(msgJSON), &rec.Messages); err != nil {
		return ConversationRecord{}, fmt.Errorf("store: unmarshal messages for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func scanSummary(row rowScanner) (SummaryRecord, error) {
	var rec SummaryRecord
	var topicsJSON string
	var start, end, createdAt int64
	if err := row.Scan(&rec.ConversationID, &rec.Schema, &rec.MessageCount, &start, &end, &topicsJSON, &createdAt); err != nil {
		return SummaryRecord{}, err
	}
	if err := json.Unmarshal([]byte(topicsJSON), &rec.KeyTopics); err != nil {
		return SummaryRecord{}, fmt.Errorf("store: unmarshal topics for %s: %w", rec.ConversationID, err)
	}
	rec.Start = time.UnixMilli(start).UTC()
	rec.End = time.UnixMilli(end).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
