package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-ai/convoflow/model"
)

const messageBody = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-3-5-sonnet-20241022",
	"content": [
		{"type": "text", "text": "Our cleaning costs "},
		{"type": "text", "text": "40 euros."}
	],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 15, "output_tokens": 8}
}`

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(
		option.WithBaseURL(srv.URL),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	return NewModelFromClient(&client)
}

func TestGenerate(t *testing.T) {
	var captured map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageBody)
	})

	resp, err := m.Generate(context.Background(), &model.Request{
		System: "Answer pricing questions only.",
		Messages: []model.Message{
			model.NewUserMessage("how much is a cleaning?"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Our cleaning costs 40 euros.", resp.Text, "text blocks are concatenated")
	assert.Equal(t, 23, resp.TokensUsed, "input plus output tokens")

	system, ok := captured["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "Answer pricing questions only.",
		system[0].(map[string]any)["text"])

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestGenerateSkipsInlineSystemMessages(t *testing.T) {
	var captured map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageBody)
	})

	_, err := m.Generate(context.Background(), &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage("should not appear in messages"),
			model.NewUserMessage("hi"),
			model.NewAssistantMessage("hello"),
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2, "system role is not a valid messages entry")
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestGenerateAPIError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type": "error", "error": {"type": "overloaded_error", "message": "overloaded"}}`,
			http.StatusServiceUnavailable)
	})

	_, err := m.Generate(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic api error")
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "k" })
	info := m.Info()
	assert.Equal(t, string(anthropic.ModelClaude3_5Sonnet20241022), info.Name)
	assert.Equal(t, "anthropic", info.Provider)
}
