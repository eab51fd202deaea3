// Package provider は翻訳 API ごとのリクエスト組み立てと応答の取り出しを抽象化します。
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnknownProvider        = errors.New("unknown translation provider")
	ErrIncompleteCustomConfig = errors.New("custom provider requires endpoint and model id")
	ErrUnsupportedFormat      = errors.New("unsupported request format")
)

// None は翻訳しないことを表すモデル ID です。
const None = "none"

// Custom はユーザー定義のエンドポイントを使うモデル ID です。
const Custom = "custom"

// Format はリクエスト形式です。
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGemini    Format = "gemini"
)

const (
	DefaultTemperature     = 0.5
	DefaultMaxTokens       = 8000
	DefaultGeminiMaxTokens = 8192
	anthropicVersion       = "2023-06-01"
)

// Provider は1つの翻訳 API 呼び出し先です。キーごとに作成します。
type Provider interface {
	// Endpoint は POST 先の URL です。
	Endpoint() string
	// Headers は認証を含むリクエストヘッダーです。
	Headers() http.Header
	// BuildRequest はシステムプロンプトとユーザープロンプトから JSON 本文を作ります。
	BuildRequest(system, user string) any
	// ExtractResponse は応答本文から翻訳テキストを取り出します。見つからなければ false。
	ExtractResponse(body []byte) (string, bool)
}

// CustomConfig はユーザー定義プロバイダーの設定です。
type CustomConfig struct {
	Endpoint      string   `json:"apiEndpoint"`
	ModelID       string   `json:"modelId"`
	RequestFormat Format   `json:"requestFormat"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
}

type builtin struct {
	format   Format
	endpoint string
	model    string
	// sampling が false の場合は temperature などを送らない
	sampling bool
}

var builtins = map[string]builtin{
	"mistral": {
		format:   FormatOpenAI,
		endpoint: "https://api.mistral.ai/v1/chat/completions",
		model:    "mistral-large-latest",
	},
	"deepseek": {
		format:   FormatOpenAI,
		endpoint: "https://api.deepseek.com/v1/chat/completions",
		model:    "deepseek-chat",
		sampling: true,
	},
	"claude": {
		format:   FormatAnthropic,
		endpoint: "https://api.anthropic.com/v1/messages",
		model:    "claude-3-5-sonnet-latest",
		sampling: true,
	},
	"gemini": {
		format:   FormatGemini,
		endpoint: "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent",
		sampling: true,
	},
	"tongyi": {
		format:   FormatOpenAI,
		endpoint: "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions",
		model:    "qwen-turbo",
		sampling: true,
	},
	"volcano": {
		format:   FormatOpenAI,
		endpoint: "https://ark.cn-beijing.volces.com/api/v3/chat/completions",
		model:    "doubao-1-5-pro-32k-250115",
		sampling: true,
	},
}

// Names は組み込みプロバイダーの ID 一覧です。
func Names() []string {
	return []string{"mistral", "deepseek", "claude", "gemini", "tongyi", "volcano"}
}

// Validate はキーなしで model と custom の組み合わせを検証します。
func Validate(model string, custom *CustomConfig) error {
	_, err := New(model, "", custom)
	return err
}

// New は model とキーに対応する Provider を作成します。
func New(model, key string, custom *CustomConfig) (Provider, error) {
	if model == Custom {
		return newCustom(key, custom)
	}
	b, ok := builtins[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, model)
	}
	s := shape{endpoint: b.endpoint, model: b.model, key: key}
	if b.sampling {
		s.temperature = floatPtr(DefaultTemperature)
		s.maxTokens = DefaultMaxTokens
		if b.format == FormatGemini {
			s.maxTokens = DefaultGeminiMaxTokens
		}
	}
	return build(b.format, s)
}

func newCustom(key string, cfg *CustomConfig) (Provider, error) {
	if cfg == nil || strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.ModelID) == "" {
		return nil, ErrIncompleteCustomConfig
	}
	s := shape{
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		model:       strings.TrimSpace(cfg.ModelID),
		key:         key,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if s.temperature == nil {
		s.temperature = floatPtr(DefaultTemperature)
	}
	format := cfg.RequestFormat
	if format == "" {
		format = FormatOpenAI
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultMaxTokens
		if format == FormatGemini {
			s.maxTokens = DefaultGeminiMaxTokens
		}
	}
	return build(format, s)
}

func build(format Format, s shape) (Provider, error) {
	switch format {
	case FormatOpenAI:
		return &openAIChat{s}, nil
	case FormatAnthropic:
		return &anthropicMessages{s}, nil
	case FormatGemini:
		return &geminiGenerate{s}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type shape struct {
	endpoint    string
	model       string
	key         string
	temperature *float64
	maxTokens   int
}

func floatPtr(f float64) *float64 { return &f }

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIChat は OpenAI 互換の chat/completions 形式です。
type openAIChat struct{ shape }

func (p *openAIChat) Endpoint() string { return p.endpoint }

func (p *openAIChat) Headers() http.Header {
	h := jsonHeaders()
	h.Set("Authorization", "Bearer "+p.key)
	return h
}

func (p *openAIChat) BuildRequest(system, user string) any {
	body := struct {
		Model       string    `json:"model"`
		Messages    []message `json:"messages"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}{
		Model:       p.model,
		Messages:    []message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	return body
}

func (p *openAIChat) ExtractResponse(raw []byte) (string, bool) {
	var out struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(raw, &out) != nil || len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		return "", false
	}
	return *out.Choices[0].Message.Content, true
}

// anthropicMessages は Anthropic の messages 形式です。
type anthropicMessages struct{ shape }

func (p *anthropicMessages) Endpoint() string { return p.endpoint }

func (p *anthropicMessages) Headers() http.Header {
	h := jsonHeaders()
	h.Set("x-api-key", p.key)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func (p *anthropicMessages) BuildRequest(system, user string) any {
	maxTokens := p.maxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return struct {
		Model       string    `json:"model"`
		System      string    `json:"system,omitempty"`
		Messages    []message `json:"messages"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens"`
	}{
		Model:       p.model,
		System:      system,
		Messages:    []message{{Role: "user", Content: user}},
		Temperature: p.temperature,
		MaxTokens:   maxTokens,
	}
}

func (p *anthropicMessages) ExtractResponse(raw []byte) (string, bool) {
	var out struct {
		Content []struct {
			Text *string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(raw, &out) != nil || len(out.Content) == 0 || out.Content[0].Text == nil {
		return "", false
	}
	return *out.Content[0].Text, true
}

// geminiGenerate は Gemini の generateContent 形式です。キーはクエリ文字列で渡します。
type geminiGenerate struct{ shape }

func (p *geminiGenerate) Endpoint() string {
	base, _, _ := strings.Cut(p.endpoint, "?")
	return base + "?key=" + p.key
}

func (p *geminiGenerate) Headers() http.Header { return jsonHeaders() }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (p *geminiGenerate) BuildRequest(system, user string) any {
	type generationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	}
	body := struct {
		SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
		Contents          []geminiContent  `json:"contents"`
		GenerationConfig  generationConfig `json:"generationConfig"`
	}{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
		GenerationConfig: generationConfig{Temperature: p.temperature, MaxOutputTokens: p.maxTokens},
	}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	return body
}

func (p *geminiGenerate) ExtractResponse(raw []byte) (string, bool) {
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text *string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if json.Unmarshal(raw, &out) != nil || len(out.Candidates) == 0 {
		return "", false
	}
	parts := out.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == nil {
		return "", false
	}
	return *parts[0].Text, true
}
