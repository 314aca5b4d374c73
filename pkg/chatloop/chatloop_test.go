package chatloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/llmclient"
	"github.com/aixterm/aixterm/pkg/mcp"
)

type fakeChatClient struct {
	responses []llmclient.Response
	calls     int
}

func (f *fakeChatClient) Chat(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition) (llmclient.Response, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeChatClient) ChatStream(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition, onDelta llmclient.StreamCallback) (llmclient.Response, error) {
	resp := f.responses[f.calls]
	f.calls++
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}

type fakeToolExecutor struct {
	result json.RawMessage
	err    error
	calls  []string
}

func (f *fakeToolExecutor) CallTool(ctx context.Context, server, name string, args map[string]any, progressCB func(mcp.ProgressEvent)) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Model = "gpt-4o-mini"
	cfg.ContextSize = 128_000
	cfg.ResponseBufferSize = 4_096
	cfg.Tools.MaxToolIterations = 10
	return cfg
}

func TestRunStopsWhenNoToolCallsRequested(t *testing.T) {
	llm := &fakeChatClient{responses: []llmclient.Response{{Content: "hello there"}}}
	tools := &fakeToolExecutor{}
	loop := New(llm, tools, testConfig())

	final, err := loop.Run(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", final)
	assert.Equal(t, 1, llm.calls)
}

func TestRunExecutesToolCallsInOrderAndAppendsResults(t *testing.T) {
	llm := &fakeChatClient{responses: []llmclient.Response{
		{Content: "", ToolCalls: []llmclient.ToolCall{
			{ID: "1", Name: "search", Arguments: `{"q":"go"}`},
		}},
		{Content: "done"},
	}}
	tools := &fakeToolExecutor{result: json.RawMessage(`{"content":[{"type":"text","text":"result text"}]}`)}
	catalog := []mcp.ToolDescriptor{{Server: "srv", Name: "search", Description: "search the web"}}
	loop := New(llm, tools, testConfig())

	final, err := loop.Run(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, catalog, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", final)
	assert.Equal(t, []string{"search"}, tools.calls)
}

func TestRunSyntheticErrorForUnknownTool(t *testing.T) {
	llm := &fakeChatClient{responses: []llmclient.Response{
		{ToolCalls: []llmclient.ToolCall{{ID: "1", Name: "ghost", Arguments: "{}"}}},
		{Content: "ok"},
	}}
	tools := &fakeToolExecutor{}
	loop := New(llm, tools, testConfig())

	final, err := loop.Run(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", final)
	assert.Empty(t, tools.calls) // never dispatched: tool name unmapped to any server
}

func TestRunSyntheticErrorForBadJSONArguments(t *testing.T) {
	llm := &fakeChatClient{responses: []llmclient.Response{
		{ToolCalls: []llmclient.ToolCall{{ID: "1", Name: "search", Arguments: "{not json"}}},
		{Content: "ok"},
	}}
	tools := &fakeToolExecutor{}
	catalog := []mcp.ToolDescriptor{{Server: "srv", Name: "search"}}
	loop := New(llm, tools, testConfig())

	final, err := loop.Run(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, catalog, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", final)
	assert.Empty(t, tools.calls)
}

func TestRunTerminatesAtMaxIterations(t *testing.T) {
	resp := llmclient.Response{ToolCalls: []llmclient.ToolCall{{ID: "1", Name: "search", Arguments: "{}"}}}
	responses := make([]llmclient.Response, 5)
	for i := range responses {
		responses[i] = resp
	}
	llm := &fakeChatClient{responses: responses}
	tools := &fakeToolExecutor{result: json.RawMessage(`{"content":[{"type":"text","text":"r"}]}`)}
	catalog := []mcp.ToolDescriptor{{Server: "srv", Name: "search"}}

	cfg := testConfig()
	cfg.Tools.MaxToolIterations = 3
	loop := New(llm, tools, cfg)

	_, err := loop.Run(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, catalog, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, llm.calls)
}

func TestManageContextReturnsUnchangedWhenUnderBudget(t *testing.T) {
	msgs := []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}}
	out, outTools, ok := manageContext(msgs, nil, "gpt-4o-mini", 128_000, 4_096, nil)
	assert.True(t, ok)
	assert.Equal(t, msgs, out)
	assert.Nil(t, outTools)
}

func TestManageContextDropsLowestPriorityTools(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}
	tools := []mcp.ToolDescriptor{
		{Name: "t_a", Description: stringOfLen(2500)},
		{Name: "t_b", Description: stringOfLen(2500)},
	}
	priorities := map[string]float64{"t_a": 1000, "t_b": 500}

	out, outTools, ok := manageContext(msgs, tools, "claude-sonnet", 2000, 500, priorities)
	require.True(t, ok)
	assert.Equal(t, msgs, out)
	require.Len(t, outTools, 1)
	assert.Equal(t, "t_a", outTools[0].Name)
}

func TestManageContextAbortsWhenNothingFits(t *testing.T) {
	msgs := []Message{{Role: "system", Content: stringOfLen(100_000)}}
	_, _, ok := manageContext(msgs, nil, "claude-sonnet", 1024, 256, nil)
	assert.False(t, ok)
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
