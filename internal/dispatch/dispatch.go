// Package dispatch runs the event pipeline: filter inbound events, record
// them, route commands, enforce pacing, generate a reply, deliver it. One
// logical worker consumes the transport channel so events are handled in
// arrival order; a maintenance loop sweeps stale pacing and conversation
// state on its own ticker.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatterd/internal/chat"
	"chatterd/internal/command"
	"chatterd/internal/generation"
	"chatterd/internal/memory"
	"chatterd/internal/personality"
	"chatterd/internal/ratelimit"
	"chatterd/internal/transport"
)

// Config is the pipeline's read-only tuning surface.
type Config struct {
	AgentID             string
	IgnoredContacts     []string
	IgnoreGroups        bool
	FrequencyLimit      int
	FrequencyWindow     time.Duration
	MaxContextMessages  int
	MaxResponseLength   int
	GenerationTimeout   time.Duration
	ActivePersonality   string
	MaintenanceInterval time.Duration
	CooldownMaxAge      time.Duration
	ConversationMaxAge  time.Duration
}

// Options wires the pipeline to the rest of the daemon.
type Options struct {
	Transport transport.Transport
	Memory    *memory.Manager
	Router    *command.Router
	Rates     *ratelimit.CooldownTracker
	Engine    generation.Engine // nil means replies always use fallback texts
	Fallbacks *generation.FallbackPool
	Personas  *personality.Registry
	Config    Config
	Logger    *zap.Logger
}

// filter is one stage of the reject chain. drop returns true to discard the
// event; the name appears in the log line.
type filter struct {
	name string
	drop func(ev chat.Event) bool
}

// Pipeline consumes transport events and produces replies.
type Pipeline struct {
	transport transport.Transport
	memory    *memory.Manager
	router    *command.Router
	rates     *ratelimit.CooldownTracker
	engine    generation.Engine
	fallbacks *generation.FallbackPool
	personas  *personality.Registry

	cfg     Config
	ignored map[string]struct{}
	filters []filter
	log     *zap.Logger

	now func() time.Time // swapped in tests
}

// NewPipeline validates dependencies and builds the filter chain. A nil
// Engine is allowed; the pipeline then answers with fallback texts only.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("dispatch: transport is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("dispatch: memory manager is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("dispatch: command router is required")
	}
	if opts.Rates == nil {
		return nil, fmt.Errorf("dispatch: cooldown tracker is required")
	}
	if opts.Fallbacks == nil {
		return nil, fmt.Errorf("dispatch: fallback pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config.GenerationTimeout <= 0 {
		opts.Config.GenerationTimeout = 30 * time.Second
	}
	if opts.Config.MaxContextMessages <= 0 {
		opts.Config.MaxContextMessages = 20
	}

	p := &Pipeline{
		transport: opts.Transport,
		memory:    opts.Memory,
		router:    opts.Router,
		rates:     opts.Rates,
		engine:    opts.Engine,
		fallbacks: opts.Fallbacks,
		personas:  opts.Personas,
		cfg:       opts.Config,
		ignored:   make(map[string]struct{}, len(opts.Config.IgnoredContacts)),
		log:       opts.Logger.Named("dispatch"),
		now:       time.Now,
	}
	for _, id := range opts.Config.IgnoredContacts {
		p.ignored[id] = struct{}{}
	}
	if p.engine == nil {
		p.log.Warn("no generation engine configured, replies use fallback texts")
	}

	p.filters = []filter{
		{"ignored-contact", func(ev chat.Event) bool {
			_, ok := p.ignored[ev.From]
			return ok
		}},
		{"group", func(ev chat.Event) bool {
			return ev.IsGroup() && p.cfg.IgnoreGroups
		}},
		{"broadcast", func(ev chat.Event) bool {
			return ev.IsBroadcast()
		}},
		{"self", func(ev chat.Event) bool {
			return ev.FromMe
		}},
		{"empty-body", func(ev chat.Event) bool {
			return strings.TrimSpace(ev.Body) == ""
		}},
		{"cooldown", func(ev chat.Event) bool {
			return !p.rates.Allowed(chat.ConversationKey(ev.From))
		}},
	}
	return p, nil
}

// Run consumes the transport's event channel until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline running")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case ev, ok := <-p.transport.Events():
			if !ok {
				return fmt.Errorf("dispatch: transport event channel closed")
			}
			p.handleEvent(ctx, ev)
		}
	}
}

// RunMaintenance sweeps stale cooldown entries and idle conversations on
// the configured interval until ctx is cancelled.
func (p *Pipeline) RunMaintenance(ctx context.Context) error {
	if p.cfg.MaintenanceInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := p.rates.EvictStale(p.cfg.CooldownMaxAge)
			removed := p.memory.CleanupOlderThan(ctx, p.cfg.ConversationMaxAge)
			if evicted > 0 || removed > 0 {
				p.log.Info("maintenance sweep",
					zap.Int("cooldowns_evicted", evicted),
					zap.Int("conversations_removed", removed))
			}
		}
	}
}

// handleEvent runs one event through the pipeline. A panic anywhere in the
// pipeline is contained to this event.
func (p *Pipeline) handleEvent(ctx context.Context, ev chat.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while handling event",
				zap.Any("panic", r),
				zap.String("event_id", ev.ID),
				zap.String("from", ev.From),
				zap.Stack("stack"))
		}
	}()

	for _, f := range p.filters {
		if f.drop(ev) {
			p.log.Debug("event filtered",
				zap.String("filter", f.name),
				zap.String("event_id", ev.ID),
				zap.String("from", ev.From))
			return
		}
	}

	key := chat.ConversationKey(ev.From)

	// Record the inbound turn before anything can answer it.
	if err := p.memory.Append(ctx, key, p.messageFromEvent(ev)); err != nil {
		p.log.Warn("inbound append failed",
			zap.String("conversation", key), zap.Error(err))
	}

	if reply, handled := p.router.Route(ev); handled {
		if err := p.transport.Send(ctx, ev.From, reply); err != nil {
			p.log.Error("command reply send failed",
				zap.String("to", ev.From), zap.Error(err))
			return
		}
		p.rates.RecordResponse(key)
		return
	}

	if !p.router.ResponsesEnabled(key) {
		p.log.Debug("responses disabled for contact", zap.String("contact", ev.From))
		return
	}

	if !p.rates.CheckFrequency(key, p.cfg.FrequencyLimit, p.cfg.FrequencyWindow) {
		p.log.Debug("frequency limit reached", zap.String("contact", ev.From))
		return
	}

	text := p.respond(ctx, key, ev)
	if err := p.transport.Send(ctx, ev.From, text); err != nil {
		p.log.Error("reply send failed", zap.String("to", ev.From), zap.Error(err))
		return
	}

	reply := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   p.cfg.AgentID,
		Body:       text,
		Timestamp:  p.now(),
		Type:       chat.EventChat,
		RecordedAt: p.now(),
	}
	if err := p.memory.Append(ctx, key, reply); err != nil {
		p.log.Warn("reply append failed",
			zap.String("conversation", key), zap.Error(err))
	}
	p.rates.RecordResponse(key)
}

// respond produces the outgoing text for a non-command event: generate
// under the configured timeout, post-process, fall back when the result is
// unusable.
func (p *Pipeline) respond(ctx context.Context, key string, ev chat.Event) string {
	cctx, _ := p.memory.Context(key, p.cfg.MaxContextMessages)

	profile := personality.DefaultProfile()
	if p.personas != nil {
		if prof, ok := p.personas.Get(p.cfg.ActivePersonality); ok {
			profile = prof
		}
	}

	req := generation.Request{
		Message:         ev.Body,
		DisplayName:     p.displayName(ev.From),
		AgentID:         p.cfg.AgentID,
		ContextMessages: cctx.Messages,
		ContextSummary:  cctx.Summary,
		Profile:         profile,
	}

	raw, err := p.generate(ctx, req)
	if err != nil {
		p.log.Warn("generation failed, using fallback",
			zap.String("contact", ev.From), zap.Error(err))
		return p.fallbacks.Next()
	}

	reply := cleanReply(raw)
	if !usable(reply) {
		p.log.Warn("generation produced nothing usable", zap.String("contact", ev.From))
		return p.fallbacks.Next()
	}
	return truncate(reply, p.cfg.MaxResponseLength)
}

func (p *Pipeline) generate(ctx context.Context, req generation.Request) (string, error) {
	if p.engine == nil {
		return "", fmt.Errorf("dispatch: no generation engine configured")
	}
	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	return p.engine.Generate(gctx, req)
}

// displayName resolves the contact's name through the transport, falling
// back to the raw identifier.
func (p *Pipeline) displayName(contactID string) string {
	if name := p.transport.ResolveDisplayName(contactID); name != "" {
		return name
	}
	return contactID
}

func (p *Pipeline) messageFromEvent(ev chat.Event) chat.Message {
	return chat.Message{
		ID:         ev.ID,
		SenderID:   ev.From,
		Body:       ev.Body,
		Timestamp:  ev.Sent(),
		Type:       ev.Type,
		RecordedAt: p.now(),
	}
}
