package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toMap(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestBuiltinMistralUsesBearerWithoutSampling(t *testing.T) {
	p, err := New("mistral", "sk-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://api.mistral.ai/v1/chat/completions", p.Endpoint())
	assert.Equal(t, "Bearer sk-1", p.Headers().Get("Authorization"))

	body := toMap(t, p.BuildRequest("sys", "user"))
	assert.Equal(t, "mistral-large-latest", body["model"])
	assert.NotContains(t, body, "temperature")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["content"])

	text, ok := p.ExtractResponse([]byte(`{"choices":[{"message":{"content":"訳文"}}]}`))
	assert.True(t, ok)
	assert.Equal(t, "訳文", text)

	_, ok = p.ExtractResponse([]byte(`{"choices":[]}`))
	assert.False(t, ok)
}

func TestBuiltinClaudeUsesAPIKeyHeader(t *testing.T) {
	p, err := New("claude", "ak", nil)
	require.NoError(t, err)

	h := p.Headers()
	assert.Equal(t, "ak", h.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, h.Get("anthropic-version"))
	assert.Empty(t, h.Get("Authorization"))

	body := toMap(t, p.BuildRequest("sys", "user"))
	assert.Equal(t, "sys", body["system"])
	assert.EqualValues(t, DefaultMaxTokens, body["max_tokens"])

	text, ok := p.ExtractResponse([]byte(`{"content":[{"type":"text","text":"done"}]}`))
	assert.True(t, ok)
	assert.Equal(t, "done", text)
}

func TestGeminiKeyInQuery(t *testing.T) {
	p, err := New(Custom, "gk", &CustomConfig{
		Endpoint:      "https://example.test/v1/models/m:generateContent?alt=json",
		ModelID:       "m",
		RequestFormat: FormatGemini,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/v1/models/m:generateContent?key=gk", p.Endpoint())
	assert.Empty(t, p.Headers().Get("Authorization"))

	body := toMap(t, p.BuildRequest("sys", "user"))
	gen := body["generationConfig"].(map[string]any)
	assert.EqualValues(t, DefaultGeminiMaxTokens, gen["maxOutputTokens"])
	assert.EqualValues(t, DefaultTemperature, gen["temperature"])

	text, ok := p.ExtractResponse([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	_, ok = p.ExtractResponse([]byte(`{"candidates":[{"content":{"parts":[]}}]}`))
	assert.False(t, ok)
}

func TestCustomOpenAIHonoursSettings(t *testing.T) {
	temp := 0.2
	p, err := New(Custom, "k", &CustomConfig{
		Endpoint:      " https://llm.local/v1/chat/completions ",
		ModelID:       "local-model",
		RequestFormat: FormatOpenAI,
		Temperature:   &temp,
		MaxTokens:     1234,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://llm.local/v1/chat/completions", p.Endpoint())
	body := toMap(t, p.BuildRequest("s", "u"))
	assert.Equal(t, "local-model", body["model"])
	assert.EqualValues(t, 0.2, body["temperature"])
	assert.EqualValues(t, 1234, body["max_tokens"])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("deepseek", nil))
	assert.ErrorIs(t, Validate("nope", nil), ErrUnknownProvider)
	assert.ErrorIs(t, Validate(Custom, nil), ErrIncompleteCustomConfig)
	assert.ErrorIs(t, Validate(Custom, &CustomConfig{Endpoint: "https://x"}), ErrIncompleteCustomConfig)
	assert.ErrorIs(t, Validate(Custom, &CustomConfig{Endpoint: "https://x", ModelID: "m", RequestFormat: "soap"}),
		ErrUnsupportedFormat)
}

func TestAllBuiltinsConstruct(t *testing.T) {
	for _, name := range Names() {
		p, err := New(name, "k", nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Endpoint(), name)
	}
}
