package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const summaryFileSuffix = ".summary.json"

// FileTreeStore keeps one JSON file per conversation under a directory:
// <id>.json for the conversation, <id>.summary.json for its summary.
// Conversation ids are already normalized to [A-Za-z0-9_] so they are safe
// as file names.
type FileTreeStore struct {
	dir string
	mu  sync.RWMutex
	log *zap.Logger
}

// NewFileTree creates the directory if needed and returns the store.
func NewFileTree(dir string, logger *zap.Logger) (*FileTreeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	return &FileTreeStore{dir: dir, log: logger.Named("file")}, nil
}

// Close is a no-op for the file backend.
func (f *FileTreeStore) Close() error { return nil }

func (f *FileTreeStore) convPath(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileTreeStore) summaryPath(id string) string {
	return filepath.Join(f.dir, id+summaryFileSuffix)
}

// SaveConversation writes the full record as one JSON file.
func (f *FileTreeStore) SaveConversation(_ context.Context, rec ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal conversation %s: %w", rec.ID, err)
	}
	if err := os.WriteFile(f.convPath(rec.ID), data, 0o644); err != nil {
		return fmt.Errorf("store: write conversation %s: %w", rec.ID, err)
	}
	return nil
}

// LoadConversation reads one conversation file.
func (f *FileTreeStore) LoadConversation(_ context.Context, id string) (ConversationRecord, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.readConversation(f.convPath(id))
}

func (f *FileTreeStore) readConversation(path string) (ConversationRecord, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, fmt.Errorf("store: read %s: %w", path, err)
	}
	var rec ConversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ConversationRecord{}, false, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if err := checkConversationSchema(rec); err != nil {
		return ConversationRecord{}, false, err
	}
	return rec, true, nil
}

// LoadConversations reads every conversation file in the directory. Files
// that fail to parse or carry an unknown schema are logged and skipped.
func (f *FileTreeStore) LoadConversations(_ context.Context) ([]ConversationRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", f.dir, err)
	}

	var recs []ConversationRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, summaryFileSuffix) {
			continue
		}
		rec, ok, err := f.readConversation(filepath.Join(f.dir, name))
		if err != nil {
			f.log.Warn("skipping unreadable conversation file", zap.String("file", name), zap.Error(err))
			continue
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// SaveSummary writes the summary as its own JSON file.
func (f *FileTreeStore) SaveSummary(_ context.Context, rec SummaryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal summary %s: %w", rec.ConversationID, err)
	}
	if err := os.WriteFile(f.summaryPath(rec.ConversationID), data, 0o644); err != nil {
		return fmt.Errorf("store: write summary %s: %w", rec.ConversationID, err)
	}
	return nil
}

// LoadSummary reads one summary file.
func (f *FileTreeStore) LoadSummary(_ context.Context, conversationID string) (SummaryRecord, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.readSummary(f.summaryPath(conversationID))
}

func (f *FileTreeStore) readSummary(path string) (SummaryRecord, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SummaryRecord{}, false, nil
	}
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("store: read %s: %w", path, err)
	}
	var rec SummaryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SummaryRecord{}, false, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if err := checkSummarySchema(rec); err != nil {
		return SummaryRecord{}, false, err
	}
	return rec, true, nil
}

// LoadSummaries reads every summary file in the directory.
func (f *FileTreeStore) LoadSummaries(_ context.Context) ([]SummaryRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", f.dir, err)
	}

	var recs []SummaryRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, summaryFileSuffix) {
			continue
		}
		rec, ok, err := f.readSummary(filepath.Join(f.dir, name))
		if err != nil {
			f.log.Warn("skipping unreadable summary file", zap.String("file", name), zap.Error(err))
			continue
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// DeleteConversation removes both files; absence is not an error.
func (f *FileTreeStore) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.convPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	if err := os.Remove(f.summaryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete summary %s: %w", id, err)
	}
	return nil
}

var _ Store = (*FileTreeStore)(nil)
