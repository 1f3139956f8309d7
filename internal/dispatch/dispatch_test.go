package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatterd/internal/chat"
	"chatterd/internal/command"
	"chatterd/internal/generation"
	"chatterd/internal/memory"
	"chatterd/internal/ratelimit"
	"chatterd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMsg struct {
	To   string
	Text string
}

type stubTransport struct {
	mu      sync.Mutex
	events  chan chat.Event
	sent    []sentMsg
	sendErr error
	names   map[string]string
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		events: make(chan chat.Event, 16),
		names:  make(map[string]string),
	}
}

func (s *stubTransport) Events() <-chan chat.Event { return s.events }

func (s *stubTransport) Send(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMsg{To: to, Text: text})
	return nil
}

func (s *stubTransport) ResolveDisplayName(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) sentMessages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

type stubEngine struct {
	mu       sync.Mutex
	calls    int
	reply    string
	err      error
	panicMsg string
	lastReq  generation.Request
}

func (e *stubEngine) Generate(_ context.Context, req generation.Request) (string, error) {
	e.mu.Lock()
	e.calls++
	e.lastReq = req
	panicMsg := e.panicMsg
	e.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	return e.reply, e.err
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *stubEngine) last() generation.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

type fixture struct {
	p      *Pipeline
	tr     *stubTransport
	eng    *stubEngine
	mem    *memory.Manager
	router *command.Router
	rates  *ratelimit.CooldownTracker
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	st, err := store.Open("file", t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mem, err := memory.NewManager(st, 50, 10, nil)
	require.NoError(t, err)

	tr := newStubTransport()
	eng := &stubEngine{reply: "Generated reply."}
	router := command.NewRouter(command.Options{
		Prefix:      "/",
		AutoRespond: true,
		AgentName:   "chatterd",
	}, nil)
	rates := ratelimit.New(0) // no short cooldown unless a test installs one

	opts := Options{
		Transport: tr,
		Memory:    mem,
		Router:    router,
		Rates:     rates,
		Engine:    eng,
		Fallbacks: generation.NewFallbackPool(nil),
		Config: Config{
			AgentID:            "bot@c.us",
			IgnoredContacts:    []string{"spammer@c.us"},
			IgnoreGroups:       true,
			FrequencyLimit:     100,
			FrequencyWindow:    time.Hour,
			MaxContextMessages: 10,
			MaxResponseLength:  200,
			GenerationTimeout:  5 * time.Second,
			ActivePersonality:  "default",
		},
		Logger: nil,
	}
	for _, m := range mutate {
		m(&opts)
	}

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	return &fixture{p: p, tr: tr, eng: eng, mem: mem, router: router, rates: opts.Rates}
}

func event(from, body string) chat.Event {
	return chat.Event{
		ID:        "ev-" + from + "-" + body,
		From:      from,
		To:        "bot@c.us",
		Body:      body,
		Timestamp: time.Now().Unix(),
		Type:      chat.EventChat,
	}
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}

func TestGeneratedReplyFlow(t *testing.T) {
	f := newFixture(t)
	ev := event("+15550001111@c.us", "hello there")

	f.p.handleEvent(context.Background(), ev)

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550001111@c.us", sent[0].To)
	assert.Equal(t, "Generated reply.", sent[0].Text)

	// Both turns recorded: the inbound message and the agent's reply.
	key := chat.ConversationKey(ev.From)
	cctx, ok := f.mem.Context(key, 10)
	require.True(t, ok)
	require.Len(t, cctx.Messages, 2)
	assert.Equal(t, ev.From, cctx.Messages[0].SenderID)
	assert.Equal(t, "hello there", cctx.Messages[0].Body)
	assert.Equal(t, "bot@c.us", cctx.Messages[1].SenderID)
	assert.Equal(t, "Generated reply.", cctx.Messages[1].Body)
}

func TestGenerationRequestCarriesContext(t *testing.T) {
	f := newFixture(t)
	f.tr.names["+15550001111@c.us"] = "Ada"

	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "first"))
	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "second"))

	req := f.eng.last()
	assert.Equal(t, "second", req.Message)
	assert.Equal(t, "Ada", req.DisplayName)
	assert.Equal(t, "bot@c.us", req.AgentID)
	// Context holds the first exchange plus the just-appended second message.
	require.Len(t, req.ContextMessages, 3)
	assert.Equal(t, "first", req.ContextMessages[0].Body)
}

func TestFiltersDropEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   chat.Event
	}{
		{"ignored contact", event("spammer@c.us", "hi")},
		{"broadcast type", chat.Event{ID: "b1", From: "x@c.us", Body: "hi", Type: chat.EventBroadcast}},
		{"broadcast suffix", chat.Event{ID: "b2", From: "status@broadcast", Body: "hi", Type: chat.EventChat}},
		{"from me", chat.Event{ID: "s1", From: "y@c.us", Body: "hi", Type: chat.EventChat, FromMe: true}},
		{"empty body", event("z@c.us", "   \t\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.p.handleEvent(context.Background(), tt.ev)

			assert.Empty(t, f.tr.sentMessages())
			assert.Zero(t, f.eng.callCount())
			assert.Zero(t, f.mem.Count())
		})
	}
}

func TestGroupEventNeverReachesRouterOrMemory(t *testing.T) {
	f := newFixture(t)

	ev := event("12345-67890@g.us", "/stop")
	ev.Type = chat.EventGroup
	f.p.handleEvent(context.Background(), ev)

	assert.Empty(t, f.tr.sentMessages())
	assert.Zero(t, f.mem.Count(), "group event must not be remembered")
	// The /stop inside the group body must not have toggled preferences.
	assert.True(t, f.router.ResponsesEnabled(chat.ConversationKey(ev.From)))
}

func TestGroupEventAnsweredWhenGroupIgnoreOff(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.IgnoreGroups = false })

	ev := event("12345-67890@g.us", "hello group")
	ev.Type = chat.EventGroup
	f.p.handleEvent(context.Background(), ev)

	require.Len(t, f.tr.sentMessages(), 1)
	assert.Equal(t, 1, f.eng.callCount())
}

func TestCommandShortCircuitsGeneration(t *testing.T) {
	f := newFixture(t)

	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "/help"))

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "/help")
	assert.Zero(t, f.eng.callCount())

	// The inbound command is remembered, the command reply is not.
	cctx, ok := f.mem.Context(chat.ConversationKey("+15550001111@c.us"), 10)
	require.True(t, ok)
	require.Len(t, cctx.Messages, 1)
	assert.Equal(t, "/help", cctx.Messages[0].Body)
}

func TestStopDisablesAndStartRestoresGeneration(t *testing.T) {
	f := newFixture(t)
	from := "+15550001111@c.us"

	f.p.handleEvent(context.Background(), event(from, "/stop"))
	require.Len(t, f.tr.sentMessages(), 1) // the stop acknowledgement

	f.p.handleEvent(context.Background(), event(from, "how are you?"))
	assert.Zero(t, f.eng.callCount(), "no generation while stopped")
	assert.Len(t, f.tr.sentMessages(), 1, "no reply while stopped")

	f.p.handleEvent(context.Background(), event(from, "/start"))
	f.p.handleEvent(context.Background(), event(from, "how are you now?"))

	assert.Equal(t, 1, f.eng.callCount())
	sent := f.tr.sentMessages()
	require.Len(t, sent, 3)
	assert.Equal(t, "Generated reply.", sent[2].Text)
}

func TestGenerationErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	f.eng.err = errors.New("model unavailable")
	from := "+15550001111@c.us"

	f.p.handleEvent(context.Background(), event(from, "hello"))

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, generation.DefaultFallbacks, sent[0].Text)

	// The fallback is still recorded as the agent's turn.
	cctx, ok := f.mem.Context(chat.ConversationKey(from), 10)
	require.True(t, ok)
	require.Len(t, cctx.Messages, 2)
	assert.Equal(t, "bot@c.us", cctx.Messages[1].SenderID)
	assert.Equal(t, sent[0].Text, cctx.Messages[1].Body)
}

func TestEmptyGenerationFallsBack(t *testing.T) {
	f := newFixture(t)
	f.eng.reply = "   \n"

	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "hello"))

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, generation.DefaultFallbacks, sent[0].Text)
}

func TestNilEngineUsesFallbacks(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Engine = nil })

	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "hello"))

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, generation.DefaultFallbacks, sent[0].Text)
}

func TestLongReplyTruncated(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxResponseLength = 20 })
	f.eng.reply = strings.Repeat("word ", 20)

	f.p.handleEvent(context.Background(), event("+15550001111@c.us", "hello"))

	sent := f.tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, 20, len([]rune(sent[0].Text)))
	assert.True(t, strings.HasSuffix(sent[0].Text, "…"))
}

func TestShortCooldownFiltersSecondEvent(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Rates = ratelimit.New(time.Hour) })
	from := "+15550001111@c.us"

	f.p.handleEvent(context.Background(), event(from, "first"))
	require.Len(t, f.tr.sentMessages(), 1)

	// Inside the cooldown the event is dropped before it is remembered.
	f.p.handleEvent(context.Background(), event(from, "second"))
	assert.Len(t, f.tr.sentMessages(), 1)
	assert.Equal(t, 1, f.eng.callCount())

	cctx, ok := f.mem.Context(chat.ConversationKey(from), 10)
	require.True(t, ok)
	assert.Len(t, cctx.Messages, 2)
}

func TestFrequencyLimitStopsSilently(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.FrequencyLimit = 2 })
	from := "+15550001111@c.us"

	for i := 0; i < 4; i++ {
		f.p.handleEvent(context.Background(), event(from, "msg"))
	}

	// Two replies, then the window is exhausted; later events are still
	// remembered but not answered.
	assert.Len(t, f.tr.sentMessages(), 2)
	assert.Equal(t, 2, f.eng.callCount())

	cctx, ok := f.mem.Context(chat.ConversationKey(from), 10)
	require.True(t, ok)
	assert.Len(t, cctx.Messages, 6) // 4 inbound + 2 replies
}

func TestSendFailureSkipsRecordAndAppend(t *testing.T) {
	f := newFixture(t)
	f.tr.sendErr = errors.New("bridge down")
	from := "+15550001111@c.us"

	f.p.handleEvent(context.Background(), event(from, "hello"))

	cctx, ok := f.mem.Context(chat.ConversationKey(from), 10)
	require.True(t, ok)
	assert.Len(t, cctx.Messages, 1, "only the inbound turn is recorded when the send fails")
}

func TestPanicInEngineIsContained(t *testing.T) {
	f := newFixture(t)
	f.eng.panicMsg = "engine exploded"

	assert.NotPanics(t, func() {
		f.p.handleEvent(context.Background(), event("+15550001111@c.us", "hello"))
	})

	// The next event is handled normally.
	f.eng.panicMsg = ""
	f.p.handleEvent(context.Background(), event("+15550002222@c.us", "hi"))
	require.Len(t, f.tr.sentMessages(), 1)
	assert.Equal(t, "+15550002222@c.us", f.tr.sentMessages()[0].To)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx) }()

	f.tr.events <- event("+15550001111@c.us", "hello")

	require.Eventually(t, func() bool {
		return len(f.tr.sentMessages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.p.Run(context.Background()) }()

	close(f.tr.events)
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestMaintenanceSweeps(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.MaintenanceInterval = 20 * time.Millisecond
		o.Config.CooldownMaxAge = time.Hour
		o.Config.ConversationMaxAge = time.Nanosecond
	})

	msg := chat.Message{ID: "m1", SenderID: "x@c.us", Body: "hi", Timestamp: time.Now()}
	require.NoError(t, f.mem.Append(context.Background(), "conv_1", msg))
	require.Equal(t, 1, f.mem.Count())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.RunMaintenance(ctx) }()

	require.Eventually(t, func() bool { return f.mem.Count() == 0 },
		5*time.Second, 20*time.Millisecond, "idle conversation should have been swept")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunMaintenance did not return after cancel")
	}
}
