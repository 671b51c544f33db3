// Package budget implements the Context Budgeter: truncating a chat
// request's message history to fit a model's context window, and resolving
// the outgoing max_tokens value.
package budget

import (
	"fmt"

	"github.com/lols/gateway/internal/chatmsg"
)

// safetyMargin is reserved out of the context budget for output headroom.
const safetyMargin = 500

// Truncate partitions messages into system and non-system roles and keeps
// only as many of the newest non-system messages as fit within contextSize
// tokens. It is a no-op (returns messages unchanged) when contextSize is 0.
func Truncate(messages []chatmsg.Message, contextSize int) []chatmsg.Message {
	if contextSize == 0 {
		return messages
	}

	var system, rest []chatmsg.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	systemTokens := 0
	for _, m := range system {
		systemTokens += chatmsg.EstimatedTokens(m)
	}

	available := contextSize - systemTokens - safetyMargin
	if available <= 0 {
		return system
	}

	kept := make([]chatmsg.Message, 0, len(rest))
	dropped := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := chatmsg.EstimatedTokens(rest[i])
		if cost > available {
			dropped = i + 1
			break
		}
		available -= cost
		kept = append([]chatmsg.Message{rest[i]}, kept...)
	}

	out := make([]chatmsg.Message, 0, len(system)+len(kept)+1)
	out = append(out, system...)
	if dropped > 0 {
		out = append(out, truncationNotice(dropped))
	}
	out = append(out, kept...)
	return out
}

func truncationNotice(n int) chatmsg.Message {
	text := fmt.Sprintf("Note: %d earlier message(s) were removed from this conversation to fit the model's context window.", n)
	return chatmsg.Message{Role: "system", Content: chatmsg.NewTextContent(text)}
}

// ResolveMaxTokens implements the requested-vs-configured max_tokens policy:
// max(requested, configured) when requested > 0, else configured.
func ResolveMaxTokens(requested, configured int) int {
	if requested > 0 {
		if requested > configured {
			return requested
		}
		return configured
	}
	return configured
}
