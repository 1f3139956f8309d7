package generation

import (
	"fmt"
	"strings"
)

// BuildPrompt assembles the single-text prompt: personality system prompt,
// a one-line digest of summarized history, the retained conversation as
// "Name: body" lines, then the new message with a reply instruction.
func BuildPrompt(req Request) string {
	var b strings.Builder

	if sp := strings.TrimSpace(req.Profile.SystemPrompt); sp != "" {
		b.WriteString(sp)
		b.WriteString("\n\n")
	}

	if s := req.ContextSummary; s != nil && s.MessageCount > 0 {
		fmt.Fprintf(&b, "Earlier conversation: %d older messages were summarized.", s.MessageCount)
		if len(s.KeyTopics) > 0 {
			fmt.Fprintf(&b, " Topics discussed: %s.", strings.Join(s.KeyTopics, ", "))
		}
		b.WriteString("\n\n")
	}

	if len(req.ContextMessages) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range req.ContextMessages {
			fmt.Fprintf(&b, "%s: %s\n", req.speakerLabel(m.SenderID), m.Body)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "New message from %s: %s\n\n", req.contactLabel(), req.Message)
	b.WriteString("Write only your reply, as a single chat message.")

	return b.String()
}

func (req Request) speakerLabel(senderID string) string {
	if senderID == req.AgentID {
		return "You"
	}
	return req.contactLabel()
}

func (req Request) contactLabel() string {
	if req.DisplayName != "" {
		return req.DisplayName
	}
	return "the contact"
}
