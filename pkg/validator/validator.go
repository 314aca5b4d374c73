// Package validator enforces the role-alternation and tool-call-adjacency
// invariants a message sequence must satisfy before it is sent to a chat
// API. It is the sole gate on message ordering.
package validator

import (
	"github.com/aixterm/aixterm/pkg/logger"
)

// Message mirrors the shape the chat loop and context builder pass
// around; it is duplicated here (rather than imported) to keep this
// package free of a dependency on the chat-loop package.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall mirrors a single requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
)

// Normalize enforces spec.md §4.H's invariants:
//  1. A leading system message is kept as-is.
//  2. Any sequence containing tool_calls or tool-role messages is passed
//     through unmodified, except that tool messages not immediately
//     following their originating assistant message are reordered into
//     adjacency.
//  3. For pure user/assistant conversations, if the tail is a user
//     message, the history prefix is normalized to strict user→assistant
//     pairs (dropping unpaired assistants and trailing unmatched users),
//     then the current user query is re-appended.
//  4. Dropped-message counts are logged at debug level.
func Normalize(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	var system []Message
	rest := messages
	if messages[0].Role == roleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	if hasToolContent(rest) {
		normalized := reorderToolAdjacency(rest)
		return append(append([]Message{}, system...), normalized...)
	}

	if len(rest) == 0 {
		return append([]Message{}, system...)
	}

	tail := rest[len(rest)-1]
	if tail.Role != roleUser {
		return append(append([]Message{}, system...), rest...)
	}

	history := rest[:len(rest)-1]
	pairs, dropped := normalizePairs(history)
	if dropped > 0 {
		logger.DebugCF("validator", "dropped unpaired messages during normalization", map[string]any{
			"dropped": dropped,
		})
	}

	result := append(append([]Message{}, system...), pairs...)
	result = append(result, tail)
	return result
}

func hasToolContent(messages []Message) bool {
	for _, m := range messages {
		if m.Role == roleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// reorderToolAdjacency ensures every tool-role message immediately follows
// its originating assistant message (or a preceding tool message from the
// same assistant turn), without dropping any message.
func reorderToolAdjacency(messages []Message) []Message {
	var out []Message
	var pendingTools []Message

	flushPending := func() {
		out = append(out, pendingTools...)
		pendingTools = nil
	}

	for _, m := range messages {
		switch m.Role {
		case roleAssistant:
			flushPending()
			out = append(out, m)
		case roleTool:
			at := -1
			for k := range out {
				for _, tc := range out[k].ToolCalls {
					if tc.ID == m.ToolCallID {
						at = k + 1
					}
				}
			}
			if at < 0 {
				pendingTools = append(pendingTools, m)
				continue
			}
			for at < len(out) && out[at].Role == roleTool {
				at++
			}
			out = append(out[:at], append([]Message{m}, out[at:]...)...)
		default:
			flushPending()
			out = append(out, m)
		}
	}
	flushPending()
	return out
}

// normalizePairs drops unpaired assistant messages and trailing unmatched
// user messages, returning strict user→assistant pairs plus the number of
// messages dropped.
func normalizePairs(history []Message) ([]Message, int) {
	var pairs []Message
	dropped := 0

	i := 0
	for i < len(history) {
		m := history[i]
		if m.Role != roleUser {
			dropped++
			i++
			continue
		}
		if i+1 < len(history) && history[i+1].Role == roleAssistant {
			pairs = append(pairs, m, history[i+1])
			i += 2
			continue
		}
		// Trailing unmatched user message in the history prefix.
		dropped++
		i++
	}

	return pairs, dropped
}
