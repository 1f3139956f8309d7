// Package memory owns bounded per-conversation history. Appends are
// write-through to the configured store; once a conversation reaches the
// summarize threshold, the oldest messages are compacted into a single
// rolling summary so the retained list never grows past the context bound.
// The in-memory cache is authoritative; storage failures are logged and
// never block message flow.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatterd/internal/chat"
	"chatterd/internal/store"
)

// Conversation is the cached state for one contact key.
type Conversation struct {
	ID        string
	ContactID string
	Messages  []chat.Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Summary   *Summary
}

// Summary is the compacted form of a conversation's evicted prefix. At most
// one exists per conversation; repeated compactions fold into it.
type Summary struct {
	ConversationID string
	MessageCount   int // cumulative count of messages folded in
	Start          time.Time
	End            time.Time
	KeyTopics      []string // most frequent topics of the latest compaction, ≤10
	CreatedAt      time.Time
}

// Context is a read-only snapshot handed to the generation step. Messages
// and Summary are copies; mutating them does not touch the cache.
type Context struct {
	ConversationID string
	Messages       []chat.Message
	Summary        *Summary
	TotalMessages  int // retained plus summarized
}

// Manager coordinates the cache and the store.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	store              store.Store
	summarizeThreshold int
	maxContext         int
	log                *zap.Logger

	now func() time.Time // swapped in tests
}

// NewManager validates its dependencies and returns an empty manager.
// Call Load before serving to warm the cache from the store.
func NewManager(st store.Store, summarizeThreshold, maxContextMessages int, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("memory: store is required")
	}
	if maxContextMessages <= 0 {
		return nil, fmt.Errorf("memory: max context messages must be positive, got %d", maxContextMessages)
	}
	if summarizeThreshold <= maxContextMessages {
		return nil, fmt.Errorf("memory: summarize threshold %d must exceed max context %d",
			summarizeThreshold, maxContextMessages)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conversations:      make(map[string]*Conversation),
		store:              st,
		summarizeThreshold: summarizeThreshold,
		maxContext:         maxContextMessages,
		log:                logger.Named("memory"),
		now:                time.Now,
	}, nil
}

// Load warms the cache from the store. Unreadable records were already
// skipped by the store; a summary without its conversation is dropped.
func (m *Manager) Load(ctx context.Context) error {
	convRecs, err := m.store.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("memory: load conversations: %w", err)
	}
	sumRecs, err := m.store.LoadSummaries(ctx)
	if err != nil {
		return fmt.Errorf("memory: load summaries: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range convRecs {
		m.conversations[rec.ID] = &Conversation{
			ID:        rec.ID,
			ContactID: rec.ContactID,
			Messages:  rec.Messages,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	for _, rec := range sumRecs {
		conv, ok := m.conversations[rec.ConversationID]
		if !ok {
			m.log.Warn("dropping summary without conversation", zap.String("conversation", rec.ConversationID))
			continue
		}
		conv.Summary = &Summary{
			ConversationID: rec.ConversationID,
			MessageCount:   rec.MessageCount,
			Start:          rec.Start,
			End:            rec.End,
			KeyTopics:      rec.KeyTopics,
			CreatedAt:      rec.CreatedAt,
		}
	}

	m.log.Info("conversation cache loaded",
		zap.Int("conversations", len(convRecs)),
		zap.Int("summaries", len(sumRecs)))
	return nil
}

// Append adds one message to the conversation, creating it lazily, and
// writes the conversation through to the store. When the retained list
// reaches the summarize threshold the conversation is compacted before
// Append returns, so callers always observe a bounded history.
func (m *Manager) Append(ctx context.Context, conversationID string, msg chat.Message) error {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		now := m.now()
		conv = &Conversation{
			ID:        conversationID,
			ContactID: msg.SenderID,
			CreatedAt: now,
		}
		m.conversations[conversationID] = conv
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = m.now()

	rec := conv.record()
	needsSummary := len(conv.Messages) >= m.summarizeThreshold
	m.mu.Unlock()

	if err := m.store.SaveConversation(ctx, rec); err != nil {
		m.log.Warn("conversation write failed, cache stays authoritative",
			zap.String("conversation", conversationID), zap.Error(err))
	}

	if needsSummary {
		return m.Summarize(ctx, conversationID)
	}
	return nil
}

// Summarize compacts the conversation if it has reached the threshold:
// everything except the most recent maxContext messages is folded into the
// summary and the retained list shrinks accordingly. Below the threshold it
// is a no-op.
func (m *Manager) Summarize(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok || len(conv.Messages) < m.summarizeThreshold {
		m.mu.Unlock()
		return nil
	}

	split := len(conv.Messages) - m.maxContext
	older := conv.Messages[:split]
	recent := conv.Messages[split:]

	conv.Summary = m.buildSummary(conv, older)
	conv.Messages = append([]chat.Message(nil), recent...)

	convRec := conv.record()
	sumRec := conv.Summary.record()
	evicted := len(older)
	m.mu.Unlock()

	m.log.Debug("conversation compacted",
		zap.String("conversation", conversationID),
		zap.Int("evicted", evicted),
		zap.Int("retained", len(convRec.Messages)))

	if err := m.store.SaveConversation(ctx, convRec); err != nil {
		m.log.Warn("conversation write failed after compaction",
			zap.String("conversation", conversationID), zap.Error(err))
	}
	if err := m.store.SaveSummary(ctx, sumRec); err != nil {
		m.log.Warn("summary write failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// buildSummary folds the evicted batch into the conversation's summary.
// Counts accumulate across compactions and the original start time is
// preserved; topics describe only the latest evicted batch. Caller holds
// the lock.
func (m *Manager) buildSummary(conv *Conversation, evicted []chat.Message) *Summary {
	sum := &Summary{
		ConversationID: conv.ID,
		MessageCount:   len(evicted),
		Start:          evicted[0].Timestamp,
		End:            evicted[len(evicted)-1].Timestamp,
		KeyTopics:      ExtractTopics(evicted, maxKeyTopics),
		CreatedAt:      m.now(),
	}
	if prev := conv.Summary; prev != nil {
		sum.MessageCount += prev.MessageCount
		sum.Start = prev.Start
	}
	return sum
}

// Context returns a snapshot of the conversation: the last max retained
// messages, the current summary, and the total message count including
// summarized history. It has no side effects; calling it twice without an
// intervening Append yields identical results.
func (m *Manager) Context(conversationID string, max int) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return Context{}, false
	}

	n := len(conv.Messages)
	if max < 0 {
		max = 0
	}
	if max > n {
		max = n
	}
	msgs := make([]chat.Message, max)
	copy(msgs, conv.Messages[n-max:])

	cctx := Context{
		ConversationID: conversationID,
		Messages:       msgs,
		TotalMessages:  n,
	}
	if conv.Summary != nil {
		cp := *conv.Summary
		cp.KeyTopics = append([]string(nil), conv.Summary.KeyTopics...)
		cctx.Summary = &cp
		cctx.TotalMessages += conv.Summary.MessageCount
	}
	return cctx, true
}

// Count reports how many conversations are cached.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// CleanupOlderThan drops conversations idle for longer than maxAge from the
// cache and the store, returning how many were removed.
func (m *Manager) CleanupOlderThan(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for id, conv := range m.conversations {
		if conv.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
			delete(m.conversations, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.store.DeleteConversation(ctx, id); err != nil {
			m.log.Warn("stale conversation delete failed",
				zap.String("conversation", id), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		m.log.Info("stale conversations removed", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// record converts the cached conversation to its durable form. Caller holds
// the lock.
func (c *Conversation) record() store.ConversationRecord {
	msgs := make([]chat.Message, len(c.Messages))
	copy(msgs, c.Messages)
	return store.ConversationRecord{
		Schema:    store.CurrentSchema,
		ID:        c.ID,
		ContactID: c.ContactID,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (s *Summary) record() store.SummaryRecord {
	return store.SummaryRecord{
		Schema:         store.CurrentSchema,
		ConversationID: s.ConversationID,
		MessageCount:   s.MessageCount,
		Start:          s.Start,
		End:            s.End,
		KeyTopics:      append([]string(nil), s.KeyTopics...),
		CreatedAt:      s.CreatedAt,
	}
}
