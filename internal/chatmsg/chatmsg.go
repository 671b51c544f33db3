// Package chatmsg implements the single content-normalization function
// shared by the router, budgeter, and pipeline: OpenAI chat messages whose
// `content` field is either a plain string or a list of typed parts.
package chatmsg

import (
	"encoding/json"
	"strings"
)

// Message is one entry of a chat request's messages array. Content is kept
// as raw JSON so its string-or-parts polymorphism can be normalized lazily.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Part is one element of a structured content list. Unknown Type values are
// ignored by Text and HasImage, per the tagged-variant contract.
type Part struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// Text normalizes a message's content to a single string: a bare string is
// returned as-is; a parts list has its "text"-typed parts concatenated with
// newlines; anything else yields "".
func Text(m Message) string {
	if len(m.Content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return asString
	}

	var parts []Part
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for i, p := range parts {
			if p.Type != "text" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			_ = i
			b.WriteString(p.Text)
		}
		return b.String()
	}

	return ""
}

// HasImage reports whether the message's content contains a structured
// part of type "image_url" or "image".
func HasImage(m Message) bool {
	var parts []Part
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return false
	}
	for _, p := range parts {
		if p.Type == "image_url" || p.Type == "image" {
			return true
		}
	}
	return false
}

// LastUser returns the last message with role "user", if any.
func LastUser(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i], true
		}
	}
	return Message{}, false
}

// AnyImage reports whether any message in the slice carries image content.
func AnyImage(messages []Message) bool {
	for _, m := range messages {
		if HasImage(m) {
			return true
		}
	}
	return false
}

// EstimatedTokens is the deterministic approximate token-cost function used
// by the budgeter: ceil(ceil(len(text)/2.5) * 1.3) for text, plus a fixed
// per-message structural overhead, plus 400 for each image part.
func EstimatedTokens(m Message) int {
	const overhead = 10
	total := overhead

	var parts []Part
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		for _, p := range parts {
			switch p.Type {
			case "text":
				total += textTokens(p.Text)
			case "image_url", "image":
				total += 400
			}
		}
		return total
	}

	total += textTokens(Text(m))
	return total
}

func textTokens(s string) int {
	if s == "" {
		return 0
	}
	chars := ceilDiv(len(s), 2.5)
	return int(ceilFloat(float64(chars) * 1.3))
}

func ceilDiv(n int, d float64) int {
	return int(ceilFloat(float64(n) / d))
}

func ceilFloat(f float64) float64 {
	i := int64(f)
	if float64(i) < f {
		i++
	}
	return float64(i)
}

// NewTextContent wraps a plain string into the raw-JSON Content field.
func NewTextContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
