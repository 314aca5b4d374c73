// Package chatloop implements the bounded tool-calling conversation loop:
// it drives the LLM client across iterations, executes requested tool
// calls through the MCP supervisor in order, and trims the payload to fit
// the configured context budget between turns.
package chatloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/llmclient"
	"github.com/aixterm/aixterm/pkg/logger"
	"github.com/aixterm/aixterm/pkg/mcp"
	"github.com/aixterm/aixterm/pkg/tokenizer"
	"github.com/aixterm/aixterm/pkg/validator"
)

const (
	minToolResultBudget = 200
	truncationMarker    = "... [truncated for context limit]"
)

// Message mirrors the wire-level chat turn shape shared by llmclient and
// validator; chatloop owns the conversion at its boundary with each.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is one requested tool invocation, with opaque JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolExecutor calls a named tool on whichever server exposes it. It is
// satisfied by *mcp.Supervisor; declared as an interface so tests can fake
// tool execution without spawning real processes.
type ToolExecutor interface {
	CallTool(ctx context.Context, server, name string, args map[string]any, progressCB func(mcp.ProgressEvent)) (json.RawMessage, error)
}

// ChatClient performs one LLM turn, streaming or not. It is satisfied by
// *llmclient.Client.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition) (llmclient.Response, error)
	ChatStream(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition, onDelta llmclient.StreamCallback) (llmclient.Response, error)
}

// Loop runs the bounded tool-calling conversation loop against an LLM
// client and an MCP tool supervisor.
type Loop struct {
	LLM        ChatClient
	Tools      ToolExecutor
	Config     *config.Config
	ProgressCB func(toolCallID string) func(mcp.ProgressEvent)
}

// New returns a Loop wired to an LLM client, a tool executor, and the
// shared configuration.
func New(llm ChatClient, tools ToolExecutor, cfg *config.Config) *Loop {
	return &Loop{LLM: llm, Tools: tools, Config: cfg}
}

// Run executes the bounded loop described in spec.md §4.I: up to
// max_tool_iterations LLM calls, each followed by sequential execution of
// any requested tool calls, until the model responds with no further tool
// calls or the iteration cap is reached. messages must already contain the
// system prompt (if any), conversation history, and the current user
// turn; catalog is the full tool catalog available this turn (nil for no
// tools). Returns the concatenated assistant text across iterations.
func (l *Loop) Run(ctx context.Context, model string, messages []Message, catalog []mcp.ToolDescriptor, stream bool, onDelta llmclient.StreamCallback) (string, error) {
	l.Config.RLock()
	maxIterations := l.Config.Tools.MaxToolIterations
	contextSize := l.Config.ContextSize
	responseBuffer := l.Config.ResponseBufferSize
	priorities := copyPriorities(l.Config.Tools.ToolPriorities)
	l.Config.RUnlock()

	serverOf := make(map[string]string, len(catalog))
	for _, t := range catalog {
		serverOf[t.Name] = t.Server
	}

	msgs := append([]Message{}, messages...)
	tools := append([]mcp.ToolDescriptor{}, catalog...)

	var final string
	iteration := 0
	exhaustedIterations := true
	for iteration < maxIterations {
		iteration++

		payloadMsgs, payloadTools, ok := manageContext(msgs, tools, model, contextSize, responseBuffer, priorities)
		if !ok {
			logger.Warn("chatloop: context budget has no viable subset, aborting")
			exhaustedIterations = false
			break
		}

		normalized := validator.Normalize(toValidatorMessages(payloadMsgs))
		wireMsgs := toLLMMessages(normalized)
		wireTools := toLLMTools(payloadTools)

		start := time.Now()
		var resp llmclient.Response
		var err error
		if stream {
			var firstByteAt time.Time
			wrapped := func(delta string) {
				if firstByteAt.IsZero() {
					firstByteAt = time.Now()
				}
				if onDelta != nil {
					onDelta(delta)
				}
			}
			resp, err = l.LLM.ChatStream(ctx, model, wireMsgs, wireTools, wrapped)
			if !firstByteAt.IsZero() {
				l.recordTiming(firstByteAt.Sub(start))
			}
		} else {
			resp, err = l.LLM.Chat(ctx, model, wireMsgs, wireTools)
		}
		if err != nil {
			return final, fmt.Errorf("chatloop: chat call failed: %w", err)
		}

		final += resp.Content
		if len(resp.ToolCalls) == 0 {
			exhaustedIterations = false
			break
		}

		assistantCalls := make([]ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			assistantCalls = append(assistantCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		msgs = append(msgs, Message{Role: "assistant", Content: resp.Content, ToolCalls: assistantCalls})

		for _, tc := range assistantCalls {
			resultText := l.executeToolCall(ctx, tc, serverOf)
			budget := maxInt(minToolResultBudget, (contextSize-tokenizer.CountMessages(toTokenizerMessages(msgs), model))/2)
			resultText = tokenizer.TruncateTo(resultText, budget, model, tokenizer.TruncatePrefixEllipsis, tc.Name)
			msgs = append(msgs, Message{Role: "tool", ToolCallID: tc.ID, Content: resultText})
		}
	}

	if exhaustedIterations {
		logger.WarnCF("chatloop", "reached max tool iterations", map[string]any{"max_iterations": maxIterations})
	}

	return final, nil
}

func (l *Loop) executeToolCall(ctx context.Context, tc ToolCall, serverOf map[string]string) string {
	server, known := serverOf[tc.Name]
	if !known {
		return fmt.Sprintf("Error: Tool %s not found", tc.Name)
	}

	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: Tool %s arguments are not valid JSON: %v", tc.Name, err)
		}
	}

	var progressCB func(mcp.ProgressEvent)
	if l.ProgressCB != nil {
		progressCB = l.ProgressCB(tc.ID)
	}

	result, err := l.Tools.CallTool(ctx, server, tc.Name, args, progressCB)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return extractToolResultContent(result)
}

func (l *Loop) recordTiming(latency time.Duration) {
	l.Config.Lock()
	defer l.Config.Unlock()
	tp := &l.Config.Tools
	seconds := latency.Seconds()
	if seconds < tp.TimingMinSeconds {
		seconds = tp.TimingMinSeconds
	}
	if seconds > tp.TimingMaxSeconds {
		seconds = tp.TimingMaxSeconds
	}
	if tp.ObservedResponseSeconds == 0 {
		tp.ObservedResponseSeconds = seconds
		return
	}
	tp.ObservedResponseSeconds = tp.TimingAlpha*seconds + (1-tp.TimingAlpha)*tp.ObservedResponseSeconds
}

// extractToolResultContent pulls the user-visible text out of an MCP
// tools/call result, which carries a "content" array of typed parts.
func extractToolResultContent(raw json.RawMessage) string {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}

	var out string
	for _, part := range parsed.Content {
		if part.Type == "text" || part.Type == "" {
			out += part.Text
		}
	}
	if out == "" {
		return string(raw)
	}
	return out
}

// manageContext implements spec.md §4.I's manage_context: if the payload
// already fits, return it unchanged. Otherwise keep the system message,
// keep and truncate messages working backwards from the tail until the
// budget holds, then drop the lowest-priority tools until it does. A false
// return signals the loop to abort.
func manageContext(messages []Message, tools []mcp.ToolDescriptor, model string, contextSize, responseBuffer int, priorities map[string]float64) ([]Message, []mcp.ToolDescriptor, bool) {
	budget := contextSize - responseBuffer
	if budget <= 0 {
		return nil, nil, false
	}

	used := tokenizer.CountMessages(toTokenizerMessages(messages), model) + tokenizer.CountTools(toTokenizerTools(tools), model)
	if used <= budget {
		return messages, tools, true
	}

	var system *Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == "system" {
		s := messages[0]
		system = &s
		rest = messages[1:]
	}

	toolsBudget := tokenizer.CountTools(toTokenizerTools(tools), model)
	systemBudget := 0
	if system != nil {
		systemBudget = tokenizer.CountMessages(toTokenizerMessages([]Message{*system}), model)
	}

	if systemBudget > budget {
		return nil, nil, false
	}

	// Step (1)/(2): keep the system message, then work backwards from the
	// tail keeping or truncating each message. The tool catalog is fitted
	// into whatever room the kept messages leave, in step (3).
	kept := make([]Message, 0, len(rest))
	running := systemBudget
	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		cost := tokenizer.CountMessages(toTokenizerMessages([]Message{m}), model)
		if running+cost <= budget {
			kept = append(kept, m)
			running += cost
			continue
		}

		if m.Role != "user" && m.Role != "tool" {
			continue // drop
		}

		remaining := budget - running
		truncatedContent := truncateWithMarker(m.Content, remaining, model)
		if truncatedContent == "" {
			continue
		}
		tm := m
		tm.Content = truncatedContent
		tcost := tokenizer.CountMessages(toTokenizerMessages([]Message{tm}), model)
		if running+tcost > budget {
			continue
		}
		kept = append(kept, tm)
		running += tcost
	}

	// kept was built tail-to-head; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	finalMessages := kept
	if system != nil {
		finalMessages = append([]Message{*system}, kept...)
	}
	messagesCost := tokenizer.CountMessages(toTokenizerMessages(finalMessages), model)

	// Step (3): if the full catalog still doesn't fit alongside the kept
	// messages, drop the lowest-priority tools until it does.
	finalTools := tools
	if messagesCost+toolsBudget > budget {
		finalTools = trimToolsToFit(tools, priorities, budget-messagesCost, model)
	}

	finalUsed := messagesCost + tokenizer.CountTools(toTokenizerTools(finalTools), model)
	if finalUsed > budget {
		return nil, nil, false
	}

	return finalMessages, finalTools, true
}

// truncateWithMarker keeps the head of text and appends the fixed
// context-limit ellipsis, fitting within maxTokens.
func truncateWithMarker(text string, maxTokens int, model string) string {
	if tokenizer.Count(text, model) <= maxTokens {
		return text
	}
	markerTokens := tokenizer.Count(truncationMarker, model)
	contentBudget := maxTokens - markerTokens
	if contentBudget <= 0 {
		return ""
	}
	head := tokenizer.TruncateTo(text, contentBudget, model, tokenizer.TruncatePrefixEllipsis, "")
	// TruncateTo with TruncatePrefixEllipsis appends its own marker; strip
	// back to plain head text and append ours instead.
	head = stripDefaultMarker(head)
	return head + truncationMarker
}

func stripDefaultMarker(s string) string {
	const marker = "\n... [truncated]"
	if len(s) > len(marker) && s[len(s)-len(marker):] == marker {
		return s[:len(s)-len(marker)]
	}
	return s
}

// trimToolsToFit drops the lowest-priority tools (unlisted tools are
// treated as priority zero) until the remaining set's token cost fits
// budget, or returns nil if even the single highest-priority tool does
// not fit.
func trimToolsToFit(tools []mcp.ToolDescriptor, priorities map[string]float64, budget int, model string) []mcp.ToolDescriptor {
	if budget <= 0 {
		return nil
	}

	sorted := append([]mcp.ToolDescriptor{}, tools...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorities[sorted[i].Name] > priorities[sorted[j].Name]
	})

	kept := make([]mcp.ToolDescriptor, 0, len(sorted))
	for _, t := range sorted {
		candidate := append(append([]mcp.ToolDescriptor{}, kept...), t)
		if tokenizer.CountTools(toTokenizerTools(candidate), model) <= budget {
			kept = append(kept, t)
		}
	}
	return kept
}

func copyPriorities(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toTokenizerMessages(msgs []Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toTokenizerTools(tools []mcp.ToolDescriptor) []tokenizer.Tool {
	out := make([]tokenizer.Tool, len(tools))
	for i, t := range tools {
		out[i] = tokenizer.Tool{Name: t.Name, Description: t.Description, Parameters: string(t.Parameters)}
	}
	return out
}

func toLLMMessages(msgs []validator.Message) []llmclient.Message {
	out := make([]llmclient.Message, len(msgs))
	for i, m := range msgs {
		calls := make([]llmclient.ToolCall, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			calls[j] = llmclient.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		out[i] = llmclient.Message{Role: m.Role, Content: m.Content, ToolCalls: calls, ToolCallID: m.ToolCallID}
	}
	return out
}

func toValidatorMessages(msgs []Message) []validator.Message {
	out := make([]validator.Message, len(msgs))
	for i, m := range msgs {
		calls := make([]validator.ToolCall, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			calls[j] = validator.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		out[i] = validator.Message{Role: m.Role, Content: m.Content, ToolCalls: calls, ToolCallID: m.ToolCallID}
	}
	return out
}

func toLLMTools(tools []mcp.ToolDescriptor) []llmclient.ToolDefinition {
	out := make([]llmclient.ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = llmclient.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}
