package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeepsLeadingSystemMessage(t *testing.T) {
	msgs := []Message{
		{Role: roleSystem, Content: "sys"},
		{Role: roleUser, Content: "hi"},
	}
	out := Normalize(msgs)
	assert.Equal(t, roleSystem, out[0].Role)
}

func TestNormalizeReordersMisplacedToolMessage(t *testing.T) {
	msgs := []Message{
		{Role: roleUser, Content: "q"},
		{Role: roleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "1", Name: "x"}}},
		{Role: roleUser, Content: "interleaved"},
		{Role: roleTool, ToolCallID: "1", Content: "result"},
	}
	out := Normalize(msgs)

	// The tool message must end up adjacent to its assistant message.
	assistantIdx := -1
	toolIdx := -1
	for i, m := range out {
		if m.Role == roleAssistant {
			assistantIdx = i
		}
		if m.Role == roleTool {
			toolIdx = i
		}
	}
	assert.Equal(t, assistantIdx+1, toolIdx)
}

func TestNormalizeDropsUnpairedAssistantAndTrailingUser(t *testing.T) {
	msgs := []Message{
		{Role: roleAssistant, Content: "orphan"},
		{Role: roleUser, Content: "q1"},
		{Role: roleAssistant, Content: "a1"},
		{Role: roleUser, Content: "unmatched"},
		{Role: roleUser, Content: "current query"},
	}
	out := Normalize(msgs)

	assert.Equal(t, "current query", out[len(out)-1].Content)
	// q1/a1 pair survives, orphan assistant and unmatched trailing user drop.
	var roles []string
	for _, m := range out {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{roleUser, roleAssistant, roleUser}, roles)
}

func TestNormalizeEmptyInput(t *testing.T) {
	assert.Empty(t, Normalize(nil))
}

func TestNormalizePassesThroughWhenTailIsAssistant(t *testing.T) {
	msgs := []Message{
		{Role: roleUser, Content: "q"},
		{Role: roleAssistant, Content: "a"},
	}
	out := Normalize(msgs)
	assert.Equal(t, msgs, out)
}
