package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatterd/internal/chat"
	"chatterd/internal/store"
)

const (
	testThreshold  = 5
	testMaxContext = 3
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewFileTree(filepath.Join(t.TempDir(), "conv"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(st, testThreshold, testMaxContext, nil)
	require.NoError(t, err)
	return m, st
}

func msgAt(i int, body string) chat.Message {
	ts := time.UnixMilli(1700000000000).UTC().Add(time.Duration(i) * time.Minute)
	return chat.Message{
		ID:         fmt.Sprintf("m%d", i),
		SenderID:   "31612345678@c.us",
		Body:       body,
		Timestamp:  ts,
		Type:       "chat",
		RecordedAt: ts,
	}
}

func TestNewManager_Validation(t *testing.T) {
	st, err := store.NewFileTree(filepath.Join(t.TempDir(), "conv"), nil)
	require.NoError(t, err)
	defer st.Close()

	_, err = NewManager(nil, 5, 3, nil)
	assert.Error(t, err, "nil store")

	_, err = NewManager(st, 3, 5, nil)
	assert.Error(t, err, "threshold below max context")

	_, err = NewManager(st, 5, 0, nil)
	assert.Error(t, err, "non-positive max context")
}

func TestAppend_CompactsAtThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < testThreshold; i++ {
		require.NoError(t, m.Append(ctx, "c1", msgAt(i, fmt.Sprintf("message number %d", i))))
	}

	cctx, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)

	assert.LessOrEqual(t, len(cctx.Messages), testMaxContext, "retained list stays bounded")
	require.NotNil(t, cctx.Summary, "exactly one summary exists after compaction")
	assert.Equal(t, testThreshold-testMaxContext, cctx.Summary.MessageCount,
		"summary counts exactly the evicted messages")
	assert.Equal(t, testThreshold, cctx.TotalMessages)

	// The retained messages are the most recent ones, in order.
	assert.Equal(t, "m2", cctx.Messages[0].ID)
	assert.Equal(t, "m4", cctx.Messages[len(cctx.Messages)-1].ID)
}

func TestSummarize_CumulativeAcrossCompactions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < testThreshold; i++ {
		require.NoError(t, m.Append(ctx, "c1", msgAt(i, "first round talk")))
	}
	first, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)
	require.NotNil(t, first.Summary)
	firstStart := first.Summary.Start

	// Two more appends push the retained list back to the threshold.
	for i := testThreshold; i < testThreshold+2; i++ {
		require.NoError(t, m.Append(ctx, "c1", msgAt(i, "second round talk")))
	}

	second, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)
	require.NotNil(t, second.Summary)

	assert.Equal(t, 4, second.Summary.MessageCount, "counts accumulate across compactions")
	assert.True(t, second.Summary.Start.Equal(firstStart), "original start time is preserved")
	assert.Equal(t, testThreshold+2, second.TotalMessages)
	assert.LessOrEqual(t, len(second.Messages), testMaxContext)
}

func TestSummarize_BelowThresholdIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "c1", msgAt(0, "hello")))
	require.NoError(t, m.Summarize(ctx, "c1"))

	cctx, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)
	assert.Nil(t, cctx.Summary)
	assert.Len(t, cctx.Messages, 1)

	// Unknown conversations are a no-op too.
	require.NoError(t, m.Summarize(ctx, "missing"))
}

func TestContext_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < testThreshold; i++ {
		require.NoError(t, m.Append(ctx, "c1", msgAt(i, "idempotence check run")))
	}

	a, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)
	b, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Context changed without an Append (-first +second):\n%s", diff)
	}
}

func TestContext_ReturnsCopies(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "c1", msgAt(0, "original body")))

	cctx, ok := m.Context("c1", 10)
	require.True(t, ok)
	cctx.Messages[0].Body = "mutated"

	again, _ := m.Context("c1", 10)
	assert.Equal(t, "original body", again.Messages[0].Body)
}

func TestContext_UnknownConversation(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.Context("nobody", 5)
	assert.False(t, ok)
}

func TestContext_ClampsMax(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "c1", msgAt(0, "one")))
	require.NoError(t, m.Append(ctx, "c1", msgAt(1, "two")))

	cctx, ok := m.Context("c1", 100)
	require.True(t, ok)
	assert.Len(t, cctx.Messages, 2)

	cctx, _ = m.Context("c1", 1)
	assert.Len(t, cctx.Messages, 1)
	assert.Equal(t, "m1", cctx.Messages[0].ID)
}

func TestPersistReload(t *testing.T) {
	dirs := t.TempDir()
	ctx := context.Background()

	backends := []struct {
		name string
		open func() (store.Store, error)
	}{
		{"sqlite", func() (store.Store, error) {
			return store.NewSQLite(filepath.Join(dirs, "sqlite", "chatterd.db"), nil)
		}},
		{"badger", func() (store.Store, error) {
			return store.NewBadger(filepath.Join(dirs, "badger"), nil)
		}},
		{"file", func() (store.Store, error) {
			return store.NewFileTree(filepath.Join(dirs, "file"), nil)
		}},
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			st, err := backend.open()
			require.NoError(t, err)

			m1, err := NewManager(st, testThreshold, testMaxContext, nil)
			require.NoError(t, err)
			for i := 0; i < testThreshold; i++ {
				require.NoError(t, m1.Append(ctx, "c1", msgAt(i, "durable words here")))
			}
			before, ok := m1.Context("c1", testMaxContext)
			require.True(t, ok)
			require.NoError(t, st.Close())

			st, err = backend.open()
			require.NoError(t, err)
			defer st.Close()

			m2, err := NewManager(st, testThreshold, testMaxContext, nil)
			require.NoError(t, err)
			require.NoError(t, m2.Load(ctx))

			after, ok := m2.Context("c1", testMaxContext)
			require.True(t, ok)

			require.Len(t, after.Messages, len(before.Messages))
			for i := range before.Messages {
				assert.Equal(t, before.Messages[i].ID, after.Messages[i].ID)
				assert.Equal(t, before.Messages[i].Body, after.Messages[i].Body)
				assert.True(t, before.Messages[i].Timestamp.Equal(after.Messages[i].Timestamp))
			}
			require.NotNil(t, after.Summary)
			assert.Equal(t, before.Summary.MessageCount, after.Summary.MessageCount)
			assert.Equal(t, before.Summary.KeyTopics, after.Summary.KeyTopics)
			assert.Equal(t, before.TotalMessages, after.TotalMessages)
		})
	}
}

func TestCleanupOlderThan(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	clock := time.UnixMilli(1700000000000).UTC()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Append(ctx, "old", msgAt(0, "ancient history")))
	clock = clock.Add(48 * time.Hour)
	require.NoError(t, m.Append(ctx, "fresh", msgAt(1, "recent chatter")))

	removed := m.CleanupOlderThan(ctx, 24*time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := m.Context("old", 5)
	assert.False(t, ok, "stale conversation gone from cache")
	_, ok = m.Context("fresh", 5)
	assert.True(t, ok)

	_, found, err := st.LoadConversation(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found, "stale conversation gone from store")
}

// failingStore wraps a real store and fails every write.
type failingStore struct {
	store.Store
}

func (f *failingStore) SaveConversation(context.Context, store.ConversationRecord) error {
	return fmt.Errorf("disk full")
}

func (f *failingStore) SaveSummary(context.Context, store.SummaryRecord) error {
	return fmt.Errorf("disk full")
}

func TestAppend_StorageFailureKeepsCacheAuthoritative(t *testing.T) {
	inner, err := store.NewFileTree(filepath.Join(t.TempDir(), "conv"), nil)
	require.NoError(t, err)
	defer inner.Close()

	m, err := NewManager(&failingStore{Store: inner}, testThreshold, testMaxContext, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < testThreshold; i++ {
		require.NoError(t, m.Append(ctx, "c1", msgAt(i, "kept despite errors")),
			"append must not surface storage errors")
	}

	cctx, ok := m.Context("c1", testMaxContext)
	require.True(t, ok)
	assert.Equal(t, testThreshold, cctx.TotalMessages)
	require.NotNil(t, cctx.Summary)
}

func TestLoad_DropsOrphanSummary(t *testing.T) {
	st, err := store.NewFileTree(filepath.Join(t.TempDir(), "conv"), nil)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.SaveSummary(ctx, store.SummaryRecord{
		Schema:         store.CurrentSchema,
		ConversationID: "ghost",
		MessageCount:   3,
	}))

	m, err := NewManager(st, testThreshold, testMaxContext, nil)
	require.NoError(t, err)
	require.NoError(t, m.Load(ctx))

	assert.Equal(t, 0, m.Count())
}
