// Package format maps a target model family to the context wrapper used when
// splicing retrieved memory into a provider request.
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use. An empty entry list renders to the empty string so that
// no preamble is injected when there is nothing to say.
package format

import (
	"fmt"
	"strings"
)

// Family identifies the prompt dialect of a target model.
type Family string

const (
	// FamilyClaude wraps context in XML-style tags, which Anthropic models
	// follow most reliably.
	FamilyClaude Family = "claude"

	// FamilyGPT wraps context in a markdown section.
	FamilyGPT Family = "gpt"

	// FamilyLlama wraps context in bracket tags.
	FamilyLlama Family = "llama"

	// FamilyGemini wraps context in a <context> XML element.
	FamilyGemini Family = "gemini"

	// FamilyPlain is the plain-text fallback for unrecognised models.
	FamilyPlain Family = "plain"
)

// FamilyOf derives the wrapper family from a model identifier by substring
// match. The match order is significant: "claude" wins over everything,
// then the OpenAI names, then "llama", then "gemini".
func FamilyOf(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return FamilyClaude
	case strings.Contains(m, "gpt"),
		strings.Contains(m, "o1"),
		strings.Contains(m, "o3"),
		strings.Contains(m, "o4"):
		return FamilyGPT
	case strings.Contains(m, "llama"):
		return FamilyLlama
	case strings.Contains(m, "gemini"):
		return FamilyGemini
	default:
		return FamilyPlain
	}
}

// Entry is one retrieved chunk rendered into the preamble body.
type Entry struct {
	// Role is the original speaker role of the chunk ("user" or "assistant").
	Role string

	// Window is an optional age label ("hot", "working", "long_term",
	// "archive") shown alongside the role. Empty omits the tag.
	Window string

	// Content is the chunk text.
	Content string
}

// renderBody renders one line per entry: "- [role|window] content".
// Returns the empty string when entries is empty.
func renderBody(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		tag := e.Role
		if tag == "" {
			tag = "user"
		}
		if e.Window != "" {
			tag += "|" + e.Window
		}
		fmt.Fprintf(&sb, "- [%s] %s", tag, e.Content)
	}
	return sb.String()
}

// Preamble renders entries into the system preamble for the given family.
// An empty entry list returns the empty string.
func Preamble(family Family, entries []Entry) string {
	body := renderBody(entries)
	if body == "" {
		return ""
	}

	switch family {
	case FamilyClaude:
		return "<memory>\nThe following is relevant context from earlier conversations with this user. " +
			"Use it when it helps; do not mention the memory system itself.\n" +
			body + "\n</memory>"

	case FamilyGPT:
		return "## Memory\n\nRelevant context from earlier conversations with this user. " +
			"Use it when it helps; do not mention the memory system itself.\n\n" +
			body

	case FamilyLlama:
		return "[MEMORY]\nRelevant context from earlier conversations with this user. " +
			"Use it when it helps; do not mention the memory system itself.\n" +
			body + "\n[/MEMORY]"

	case FamilyGemini:
		return "<context>\nRelevant prior conversation with this user:\n" +
			body + "\n</context>"

	default:
		return "Relevant context from earlier conversations with this user:\n" + body
	}
}

// PreambleFor is a convenience that derives the family from model and
// renders the preamble in one call.
func PreambleFor(model string, entries []Entry) string {
	return Preamble(FamilyOf(model), entries)
}
