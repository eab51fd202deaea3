// Package ocr は OCR サービスへのアップロード・認識・削除と、結果の正規化を扱います。
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/paper-burner/internal/remote"
)

const (
	DefaultBaseURL = "https://api.mistral.ai/v1"
	DefaultModel   = "mistral-ocr-latest"
	DefaultTimeout = 5 * time.Minute
)

// Client は OCR サービスの HTTP クライアントです。キーは呼び出しごとに渡します。
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// ClientOption は Client の設定を変更します。
type ClientOption func(*Client)

// WithBaseURL は API のベース URL を差し替えます。
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithModel は OCR モデル名を指定します。
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient は利用する http.Client を指定します。
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient は OCR クライアントを作成します。
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload は PDF をアップロードし、リモートのファイル ID を返します。
func (c *Client) Upload(ctx context.Context, key, filename string, content []byte) (string, error) {
	const op = "ocr upload"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.WriteField("purpose", "ocr"); err != nil {
		return "", fmt.Errorf("write purpose: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, key, op, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", remote.Extraction(op, "response has no file id")
	}
	return out.ID, nil
}

// SignedURL はアップロード済みファイルの署名付き URL を取得します。
func (c *Client) SignedURL(ctx context.Context, key, fileID string) (string, error) {
	const op = "ocr signed url"

	endpoint := fmt.Sprintf("%s/files/%s/url?expiry=24", c.baseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build url request: %w", err)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, key, op, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", remote.Extraction(op, "response has no url")
	}
	return out.URL, nil
}

// Process は署名付き URL の文書を OCR にかけます。
func (c *Client) Process(ctx context.Context, key, documentURL string) (*Response, error) {
	const op = "ocr process"

	payload := map[string]any{
		"model": c.model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": documentURL,
		},
		"include_image_base64": true,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out Response
	if err := c.do(req, key, op, &out); err != nil {
		return nil, err
	}
	if out.Pages == nil {
		return nil, remote.Extraction(op, "response has no pages")
	}
	return &out, nil
}

// Delete はリモートのファイルを削除します。
func (c *Client) Delete(ctx context.Context, key, fileID string) error {
	const op = "ocr delete"

	endpoint := fmt.Sprintf("%s/files/%s", c.baseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	return c.do(req, key, op, nil)
}

func (c *Client) do(req *http.Request, key, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remote.FromResponse(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
