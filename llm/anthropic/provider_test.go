// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/gateway/llm"
)

// fakeHTTPClient captures the outgoing request body and answers with a
// canned completion.
type fakeHTTPClient struct {
	lastBody []byte
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	c.lastBody = body

	respBody := `{
		"id": "msg_1",
		"model": "claude-3-5-sonnet-20241022",
		"stop_reason": "end_turn",
		"content": [{"type": "text", "text": "pong"}],
		"usage": {"input_tokens": 3, "output_tokens": 1}
	}`
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte(respBody))),
	}, nil
}

func newTestProvider(t *testing.T) (*Provider, *fakeHTTPClient) {
	t.Helper()
	provider, err := NewProvider(Config{APIKey: "test-key"})
	require.NoError(t, err)
	client := &fakeHTTPClient{}
	return provider.WithHTTPClient(client), client
}

func TestCompleteTemperature(t *testing.T) {
	t.Run("unset temperature is omitted from the wire", func(t *testing.T) {
		provider, client := newTestProvider(t)

		_, err := provider.Complete(context.Background(), llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: "ping"}},
		})
		require.NoError(t, err)

		var sent map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(client.lastBody, &sent))
		_, present := sent["temperature"]
		assert.False(t, present, "request body: %s", client.lastBody)
	})

	t.Run("pinned zero is sent explicitly", func(t *testing.T) {
		provider, client := newTestProvider(t)

		_, err := provider.Complete(context.Background(), llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: "ping"}},
			Temperature: llm.Temperature(0),
		})
		require.NoError(t, err)

		var sent struct {
			Temperature *float64 `json:"temperature"`
		}
		require.NoError(t, json.Unmarshal(client.lastBody, &sent))
		require.NotNil(t, sent.Temperature)
		assert.Zero(t, *sent.Temperature)
	})
}

func TestCompleteResponseMapping(t *testing.T) {
	provider, client := newTestProvider(t)

	resp, err := provider.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "ping"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, "claude-3-5-sonnet-20241022", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
	assert.Equal(t, 1, resp.Usage.CompletionTokens)
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	// Defaults fill in the request the caller left sparse.
	var sent apiRequest
	require.NoError(t, json.Unmarshal(client.lastBody, &sent))
	assert.Equal(t, DefaultModel, sent.Model)
	assert.Equal(t, DefaultMaxTokens, sent.MaxTokens)
}
