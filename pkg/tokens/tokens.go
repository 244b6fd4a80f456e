// Package tokens provides the fixed character-based token estimator used for
// billing, context budgets, and quota accounting throughout mnemo.
//
// The ratio is a contract of the system, not an implementation detail: one
// token per four characters (Unicode code points, not bytes), rounded up,
// plus a flat 85 tokens per image part in structured content. Billing,
// budget limits, and quota returns all use these numbers, so changing them
// changes what customers are charged. The estimator makes no attempt to
// match any particular provider's tokenizer.
//
// All functions are pure and safe for concurrent use.
package tokens

import "unicode/utf8"

// CharsPerToken is the fixed character-to-token ratio.
const CharsPerToken = 4

// ImageTokens is the flat token charge for a single image content part.
const ImageTokens = 85

// Estimate returns the estimated token count for a text string: the number
// of Unicode code points divided by CharsPerToken, rounded up. The empty
// string estimates to zero.
func Estimate(s string) int {
	return (utf8.RuneCountInString(s) + CharsPerToken - 1) / CharsPerToken
}

// ContentPart is one element of a structured (multi-part) message content.
// Text parts contribute Estimate(Text) tokens; image parts contribute
// ImageTokens each regardless of size.
type ContentPart struct {
	// Type is the part kind: "text", "image", "image_url", or a
	// provider-specific value. Anything that is not recognisably an image is
	// treated as text.
	Type string

	// Text is the textual payload for text parts.
	Text string
}

// IsImage reports whether the part counts as an image for estimation.
func (p ContentPart) IsImage() bool {
	return p.Type == "image" || p.Type == "image_url"
}

// EstimateParts returns the estimated token count for structured content:
// the sum of its text parts plus ImageTokens per image part.
func EstimateParts(parts []ContentPart) int {
	total := 0
	for _, p := range parts {
		if p.IsImage() {
			total += ImageTokens
			continue
		}
		total += Estimate(p.Text)
	}
	return total
}
