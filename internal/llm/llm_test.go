package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/model"
)

func TestOpenAIClientInvoke(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "short summary"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":         1200,
				"completion_tokens":     40,
				"total_tokens":          1240,
				"prompt_tokens_details": map[string]any{"cached_tokens": 1024},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "gpt-4o-mini", nil)
	resp, err := c.Invoke(context.Background(), []model.Message{
		{Role: "system", Content: "summarize"},
		{Role: "user", Content: "events"},
	}, Params{MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "short summary", resp.Content)
	assert.Equal(t, 1200, resp.Usage.PromptTokens)
	assert.Equal(t, 1024, resp.Usage.CacheReadTokens)
	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Len(t, got["messages"], 2)
}

func TestOpenAIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(srv.URL, "k", "", nil).Invoke(context.Background(), nil, Params{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	c, err := New("none", "", "", "", nil)
	assert.NoError(t, err)
	assert.Nil(t, c)

	t.Setenv("AGENT_CONTEXT_TEST_KEY", "")
	_, err = New("openai", "", "", "AGENT_CONTEXT_TEST_KEY", nil)
	assert.Error(t, err)

	t.Setenv("AGENT_CONTEXT_TEST_KEY", "sk-test")
	c, err = New("openai", "", "", "AGENT_CONTEXT_TEST_KEY", nil)
	assert.NoError(t, err)
	assert.NotNil(t, c)
}
