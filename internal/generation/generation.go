// Package generation turns an inbound message plus conversation context
// into reply text. The Engine interface keeps the pipeline testable; the
// production engine talks to Gemini. When generation fails the pipeline
// falls back to one of a small rotating set of apology texts.
package generation

import (
	"context"
	"sync"

	"chatterd/internal/chat"
	"chatterd/internal/memory"
	"chatterd/internal/personality"
)

// Request carries everything the engine may use for one reply.
type Request struct {
	Message         string // inbound body
	DisplayName     string // resolved contact name
	AgentID         string // sender id of the bot's own turns in ContextMessages
	ContextMessages []chat.Message
	ContextSummary  *memory.Summary
	Profile         personality.Profile
}

// Engine produces reply text or an error. Implementations must honor ctx
// cancellation; the pipeline runs Generate under a deadline.
type Engine interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// DefaultFallbacks are sent when generation fails or produces nothing
// usable. Deliberately apologetic and generic.
var DefaultFallbacks = []string{
	"Sorry, my thoughts got tangled up just now. Mind trying again?",
	"I couldn't come up with a proper reply. Ask me again in a moment?",
	"Hmm, something went wrong on my side. Let's try that once more.",
}

// FallbackPool hands out fallback texts in rotation.
type FallbackPool struct {
	mu    sync.Mutex
	texts []string
	next  int
}

// NewFallbackPool uses the given texts, or DefaultFallbacks when none are
// configured.
func NewFallbackPool(texts []string) *FallbackPool {
	if len(texts) == 0 {
		texts = DefaultFallbacks
	}
	return &FallbackPool{texts: texts}
}

// Next returns the next text in rotation.
func (p *FallbackPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := p.texts[p.next]
	p.next = (p.next + 1) % len(p.texts)
	return text
}

// Texts returns the pool's contents, for tests and status output.
func (p *FallbackPool) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}
