// Package proxy routes inference requests to upstream model providers. It
// parses the provider family out of the model identifier, applies the
// family's request-shape transform and credential header, and forwards the
// call. Response bytes are never altered on their way to the client; all
// parsing of provider output happens in the capture tee's own branch using
// the delta parsers defined here.
package proxy

import "strings"

// Family identifies an upstream provider wire protocol.
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyAnthropic  Family = "anthropic"
	FamilyGoogle     Family = "google"
	FamilyOpenRouter Family = "openrouter"
	FamilyMetaLlama  Family = "meta-llama"
	FamilyMistral    Family = "mistral"
)

var knownFamilies = map[Family]bool{
	FamilyOpenAI:     true,
	FamilyAnthropic:  true,
	FamilyGoogle:     true,
	FamilyOpenRouter: true,
	FamilyMetaLlama:  true,
	FamilyMistral:    true,
}

// ParseModel splits a model identifier into its provider family and the bare
// model name. An explicit "family/" prefix wins; otherwise the family is
// inferred from well-known substrings, with openrouter as the catch-all, and
// the identifier passes through untrimmed.
func ParseModel(model string) (Family, string) {
	if fam, rest, ok := strings.Cut(model, "/"); ok {
		if f := Family(strings.ToLower(fam)); knownFamilies[f] {
			return f, rest
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyAnthropic, model
	case strings.Contains(lower, "gpt"),
		strings.Contains(lower, "o1"),
		strings.Contains(lower, "o3"),
		strings.Contains(lower, "o4"):
		return FamilyOpenAI, model
	case strings.Contains(lower, "gemini"):
		return FamilyGoogle, model
	default:
		return FamilyOpenRouter, model
	}
}
