package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatParsesContentAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello","tool_calls":[
			{"id":"call_1","function":{"name":"search","arguments":"{\"q\":\"go\"}"}}
		]}}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	resp, err := c.Chat(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, `{"q":"go"}`, resp.ToolCalls[0].Arguments)
}

func TestChatStripsThinkingTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"<thinking>secret plan</thinking>visible answer"}}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	resp, err := c.Chat(context.Background(), "gpt-4o", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "visible answer", resp.Content)
}

func TestChatPropagatesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.Chat(context.Background(), "gpt-4o", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestChatStreamAccumulatesContentAndToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			"[DONE]",
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	var seen string
	resp, err := c.ChatStream(context.Background(), "gpt-4o", nil, nil, func(delta string) {
		seen += delta
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "Hello", seen)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, `{"q":"go"}`, resp.ToolCalls[0].Arguments)
}

func TestChatStreamFiltersThinkingTagsAcrossChunkBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		frames := []string{
			`{"choices":[{"delta":{"content":"<thin"}}]}`,
			`{"choices":[{"delta":{"content":"king>hidden</thinking>visible"}}]}`,
			"[DONE]",
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	resp, err := c.ChatStream(context.Background(), "gpt-4o", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "visible", resp.Content)
}

func TestLongestPartialTagSuffix(t *testing.T) {
	assert.Equal(t, 5, longestPartialTagSuffix("hello <thin", "<thinking>"))
	assert.Equal(t, 0, longestPartialTagSuffix("hello world", "<thinking>"))
}
