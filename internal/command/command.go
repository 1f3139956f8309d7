// Package command routes administrative messages ("/stop", "/help", ...)
// and keeps the per-contact response preference those commands toggle.
// Anything not starting with the configured prefix is ignored; prefixed but
// unknown input gets a short pointer to /help.
package command

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatterd/internal/chat"
)

// HandlerFunc produces the reply text for one command invocation. key is
// the contact's conversation key, ev the triggering event.
type HandlerFunc func(key string, ev chat.Event) string

// UserPreference is the per-contact state commands operate on. Created
// lazily on the first command from a contact.
type UserPreference struct {
	ResponsesEnabled bool
	LastCommandAt    time.Time
}

// Options wires the router to the rest of the daemon.
type Options struct {
	Prefix            string
	AutoRespond       bool   // initial ResponsesEnabled for unseen contacts
	AgentName         string
	ActivePersonality string
	Personalities     func() []string // nil-safe; used by /personalities
}

// Router dispatches commands through a table built at construction.
type Router struct {
	mu    sync.Mutex
	prefs map[string]*UserPreference

	opts      Options
	handlers  map[string]HandlerFunc
	order     []string // help output order
	summaries map[string]string
	startedAt time.Time
	log       *zap.Logger

	now func() time.Time // swapped in tests
}

// NewRouter builds the dispatch table. Registration problems (empty or
// duplicate names) are programmer errors and panic immediately.
func NewRouter(opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "/"
	}

	r := &Router{
		prefs:     make(map[string]*UserPreference),
		opts:      opts,
		handlers:  make(map[string]HandlerFunc),
		summaries: make(map[string]string),
		log:       logger.Named("command"),
		now:       time.Now,
	}
	r.startedAt = r.now()

	r.register("help", "list available commands", r.handleHelp)
	r.register("status", "show whether I am responding to you", r.handleStatus)
	r.register("start", "enable my responses for you", r.handleStart)
	r.register("stop", "disable my responses for you", r.handleStop)
	r.register("info", "show bot details", r.handleInfo)
	r.register("personalities", "list response personalities", r.handlePersonalities)

	return r
}

func (r *Router) register(name, summary string, h HandlerFunc) {
	if name == "" {
		panic("command: empty command name")
	}
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("command: duplicate command %q", name))
	}
	r.handlers[name] = h
	r.summaries[name] = summary
	r.order = append(r.order, name)
}

// Route inspects the event body. It returns ("", false) for non-command
// messages; for anything prefixed it returns the reply text and true.
func (r *Router) Route(ev chat.Event) (string, bool) {
	body := strings.TrimSpace(ev.Body)
	if !strings.HasPrefix(body, r.opts.Prefix) {
		return "", false
	}

	name := strings.ToLower(strings.TrimPrefix(body, r.opts.Prefix))
	if i := strings.IndexFunc(name, func(c rune) bool { return c == ' ' || c == '\t' }); i >= 0 {
		name = name[:i]
	}

	key := chat.ConversationKey(ev.From)
	r.touch(key)

	handler, ok := r.handlers[name]
	if !ok {
		r.log.Debug("unknown command", zap.String("command", name), zap.String("contact", ev.From))
		return fmt.Sprintf("Unknown command %q. Send %shelp for the list.", name, r.opts.Prefix), true
	}

	r.log.Info("command handled", zap.String("command", name), zap.String("contact", ev.From))
	return handler(key, ev), true
}

// ResponsesEnabled reports whether generated replies are on for this
// contact; contacts that never sent a command inherit the global default.
func (r *Router) ResponsesEnabled(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pref, ok := r.prefs[key]; ok {
		return pref.ResponsesEnabled
	}
	return r.opts.AutoRespond
}

// touch stamps LastCommandAt, creating the preference lazily.
func (r *Router) touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pref(key).LastCommandAt = r.now()
}

func (r *Router) setEnabled(key string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pref(key).ResponsesEnabled = enabled
}

// pref returns the contact's preference, creating it with the global
// default. Caller holds the lock.
func (r *Router) pref(key string) *UserPreference {
	p, ok := r.prefs[key]
	if !ok {
		p = &UserPreference{ResponsesEnabled: r.opts.AutoRespond}
		r.prefs[key] = p
	}
	return p
}

func (r *Router) handleHelp(string, chat.Event) string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range r.order {
		fmt.Fprintf(&b, "%s%s - %s\n", r.opts.Prefix, name, r.summaries[name])
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) handleStatus(key string, _ chat.Event) string {
	state := "disabled"
	if r.ResponsesEnabled(key) {
		state = "enabled"
	}
	return fmt.Sprintf("Responses for you: %s. Personality: %s. Up for %s.",
		state, r.opts.ActivePersonality, r.uptime())
}

func (r *Router) handleStart(key string, _ chat.Event) string {
	r.setEnabled(key, true)
	return "Responses are back on. Talk to me!"
}

func (r *Router) handleStop(key string, _ chat.Event) string {
	r.setEnabled(key, false)
	return fmt.Sprintf("Okay, staying quiet. Send %sstart when you want me back.", r.opts.Prefix)
}

func (r *Router) handleInfo(string, chat.Event) string {
	return fmt.Sprintf("%s - automated chat assistant. Personality: %s. Command prefix: %q. Up for %s.",
		r.opts.AgentName, r.opts.ActivePersonality, r.opts.Prefix, r.uptime())
}

func (r *Router) handlePersonalities(string, chat.Event) string {
	if r.opts.Personalities == nil {
		return "No personalities configured."
	}
	names := r.opts.Personalities()
	if len(names) == 0 {
		return "No personalities configured."
	}

	var b strings.Builder
	b.WriteString("Personalities:\n")
	for _, name := range names {
		if name == r.opts.ActivePersonality {
			fmt.Fprintf(&b, "* %s (active)\n", name)
		} else {
			fmt.Fprintf(&b, "* %s\n", name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) uptime() string {
	return r.now().Sub(r.startedAt).Round(time.Second).String()
}
