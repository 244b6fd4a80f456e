package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DeltaParser accumulates the incremental assistant text out of a provider
// byte stream. It is an io.Writer so the capture tee can feed it raw bytes
// as they arrive; framing (SSE lines split across writes) is handled
// internally. Not safe for concurrent use — each stream owns one parser.
type DeltaParser interface {
	Write(p []byte) (int, error)

	// Text returns the assistant text accumulated so far.
	Text() string

	// Done reports whether the terminal marker has been seen.
	Done() bool
}

// NewDeltaParser returns the streaming parser for the family's wire format.
// OpenAI, OpenRouter, Mistral, and Meta-Llama all speak the OpenAI
// chat-completions SSE dialect.
func NewDeltaParser(f Family) DeltaParser {
	switch f {
	case FamilyAnthropic:
		return &sseParser{decode: decodeAnthropicEvent}
	case FamilyGoogle:
		return &sseParser{decode: decodeGoogleEvent}
	default:
		return &sseParser{decode: decodeOpenAIEvent}
	}
}

// sseParser splits the stream into SSE data lines and hands each payload to
// the family decode function.
type sseParser struct {
	pending bytes.Buffer
	text    strings.Builder
	done    bool
	decode  func(payload []byte) (text string, done bool)
}

func (p *sseParser) Write(b []byte) (int, error) {
	p.pending.Write(b)
	for {
		line, err := p.pending.ReadString('\n')
		if err != nil {
			// Partial line; keep it pending for the next write.
			p.pending.Reset()
			p.pending.WriteString(line)
			break
		}
		p.consumeLine(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

func (p *sseParser) consumeLine(line string) {
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	if payload == "[DONE]" {
		p.done = true
		return
	}
	text, done := p.decode([]byte(payload))
	p.text.WriteString(text)
	if done {
		p.done = true
	}
}

func (p *sseParser) Text() string { return p.text.String() }
func (p *sseParser) Done() bool   { return p.done }

// ── per-family event decoding ───────────────────────────────────────────────

func decodeOpenAIEvent(payload []byte) (string, bool) {
	var ev struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || len(ev.Choices) == 0 {
		return "", false
	}
	c := ev.Choices[0]
	return c.Delta.Content, c.FinishReason != nil && *c.FinishReason != ""
}

func decodeAnthropicEvent(payload []byte) (string, bool) {
	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", false
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, false
		}
		return "", false
	case "message_stop":
		return "", true
	default:
		return "", false
	}
}

func decodeGoogleEvent(payload []byte) (string, bool) {
	var ev struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || len(ev.Candidates) == 0 {
		return "", false
	}
	var sb strings.Builder
	for _, part := range ev.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), ev.Candidates[0].FinishReason != ""
}

// ExtractText pulls the assistant text out of a complete, non-streaming
// provider response body.
func ExtractText(f Family, body []byte) (string, error) {
	switch f {
	case FamilyAnthropic:
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("proxy: parse anthropic response: %w", err)
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return sb.String(), nil
	case FamilyGoogle:
		var resp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("proxy: parse google response: %w", err)
		}
		var sb strings.Builder
		if len(resp.Candidates) > 0 {
			for _, part := range resp.Candidates[0].Content.Parts {
				sb.WriteString(part.Text)
			}
		}
		return sb.String(), nil
	default:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("proxy: parse response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	}
}
