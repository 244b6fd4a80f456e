package tokens_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemo-ai/mnemo/pkg/tokens"
)

func TestEstimate_RoundsUp(t *testing.T) {
	assert.Equal(t, 0, tokens.Estimate(""))
	assert.Equal(t, 1, tokens.Estimate("a"))
	assert.Equal(t, 1, tokens.Estimate("abcd"))
	assert.Equal(t, 2, tokens.Estimate("abcde"))
	assert.Equal(t, 25, tokens.Estimate(strings.Repeat("x", 100)))
}

func TestEstimate_CountsRunesNotBytes(t *testing.T) {
	// Multi-byte text bills by character count, not encoded length.
	assert.Equal(t, 2, tokens.Estimate("héllo"))    // 5 runes, 6 bytes
	assert.Equal(t, 2, tokens.Estimate("日本語のテキスト")) // 7 runes, 21 bytes
	assert.Equal(t, 1, tokens.Estimate("日本語"))      // 3 runes round up to one token
}

func TestEstimateParts(t *testing.T) {
	parts := []tokens.ContentPart{
		{Type: "text", Text: "abcdefgh"},  // 2
		{Type: "image_url"},               // 85
		{Type: "image"},                   // 85
		{Type: "", Text: "xy"},            // unknown type counts as text: 1
	}
	assert.Equal(t, 2+85+85+1, tokens.EstimateParts(parts))
}

func TestEstimateParts_Empty(t *testing.T) {
	assert.Equal(t, 0, tokens.EstimateParts(nil))
}
