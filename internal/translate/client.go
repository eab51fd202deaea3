// Package translate は翻訳 API の呼び出しとプロンプトの組み立てを行います。
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/remote"
)

const op = "translate"

// Config は1回のバッチで共通の翻訳設定です。
type Config struct {
	Model          string
	Custom         *provider.CustomConfig
	TargetLanguage string
	UseCustom      bool
	CustomPrompts  Prompts
}

// Client は翻訳 API を呼び出します。
type Client struct {
	httpClient *http.Client
	// newProvider は差し替え可能なプロバイダー生成関数です。
	newProvider func(model, key string, custom *provider.CustomConfig) (provider.Provider, error)
}

// NewClient は Client を作成します。hc が nil の場合は既定のタイムアウトを使います。
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{httpClient: hc, newProvider: provider.New}
}

// Translate は text を cfg の設定とキー key で翻訳します。
func (c *Client) Translate(ctx context.Context, cfg Config, key, text string) (string, error) {
	p, err := c.newProvider(cfg.Model, key, cfg.Custom)
	if err != nil {
		return "", err
	}

	prompts := Resolve(cfg.UseCustom, cfg.CustomPrompts, cfg.TargetLanguage)
	system := Render(prompts.System, cfg.TargetLanguage, "")
	user := Render(prompts.UserTemplate, cfg.TargetLanguage, text)

	raw, err := json.Marshal(p.BuildRequest(system, user))
	if err != nil {
		return "", fmt.Errorf("encode translation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint(), bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build translation request: %w", err)
	}
	req.Header = p.Headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", remote.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", remote.FromResponse(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", remote.Transient(op, fmt.Errorf("read response: %w", err))
	}
	out, ok := p.ExtractResponse(body)
	if !ok {
		return "", remote.Extraction(op, "could not extract translation content from response")
	}
	return strings.TrimSpace(out), nil
}
