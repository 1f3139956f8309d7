package memory

import (
	"sort"
	"strings"
	"unicode"

	"chatterd/internal/chat"
)

// maxKeyTopics bounds the topic list carried by a summary.
const maxKeyTopics = 10

// stopwords are excluded from topic extraction. Tokens of one or two runes
// are dropped separately, so entries here are three letters and up.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "her": {},
	"was": {}, "one": {}, "our": {}, "out": {}, "has": {}, "him": {},
	"his": {}, "how": {}, "its": {}, "may": {}, "now": {}, "she": {},
	"too": {}, "use": {}, "who": {}, "will": {}, "with": {}, "this": {},
	"that": {}, "they": {}, "them": {}, "then": {}, "than": {}, "have": {},
	"from": {}, "what": {}, "when": {}, "where": {}, "which": {}, "your": {},
	"just": {}, "like": {}, "some": {}, "here": {}, "there": {}, "were": {},
	"been": {}, "being": {}, "would": {}, "could": {}, "should": {},
	"about": {}, "into": {}, "over": {}, "very": {}, "also": {}, "dont": {},
	"does": {}, "did": {}, "yes": {}, "yeah": {}, "okay": {},
}

// ExtractTopics derives the most frequent meaningful tokens from the
// message bodies: lowercase, punctuation stripped, whitespace-tokenized,
// stopwords and tokens shorter than three runes dropped. Topics are ordered
// by descending frequency; ties keep first-occurrence order. At most max
// topics are returned.
func ExtractTopics(msgs []chat.Message, max int) []string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0

	for _, m := range msgs {
		for _, tok := range tokenize(m.Body) {
			if _, skip := stopwords[tok]; skip {
				continue
			}
			if _, seen := counts[tok]; !seen {
				firstSeen[tok] = order
				order++
			}
			counts[tok]++
		}
	}

	topics := make([]string, 0, len(counts))
	for tok := range counts {
		topics = append(topics, tok)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return firstSeen[topics[i]] < firstSeen[topics[j]]
	})

	if len(topics) > max {
		topics = topics[:max]
	}
	return topics
}

// tokenize lowercases the text, deletes punctuation, and splits on
// whitespace, dropping tokens of fewer than three runes.
func tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			return unicode.ToLower(r)
		default:
			return -1
		}
	}, text)

	fields := strings.Fields(cleaned)
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
