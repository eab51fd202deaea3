// Package remote は外部 API 呼び出しで共通するエラー分類と再試行待機を提供します。
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind は失敗の種類です。
type Kind int

const (
	// KindTransient はネットワーク障害やレート制限など、再試行で回復しうる失敗です。
	KindTransient Kind = iota
	// KindAuth は 401/403、または無効なキーを示す 400 による認証失敗です。キーを無効化する必要があります。
	KindAuth
	// KindExtraction は 2xx 応答から本文を取り出せなかった失敗です。
	KindExtraction
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindExtraction:
		return "extraction"
	default:
		return "transient"
	}
}

const maxMessageLength = 300

// Error は外部 API 呼び出しの失敗を表します。
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient は再試行可能なエラーを作成します。
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Extraction は応答本文の解釈に失敗したことを表すエラーを作成します。
func Extraction(op, message string) *Error {
	return &Error{Kind: KindExtraction, Op: op, Message: message}
}

// IsAuth は err が認証失敗かどうかを返します。
func IsAuth(err error) bool {
	return kindOf(err) == KindAuth
}

// IsExtraction は err が本文抽出の失敗かどうかを返します。
func IsExtraction(err error) bool {
	return kindOf(err) == KindExtraction
}

func kindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// FromResponse は 2xx 以外の応答を Error に変換します。応答本文は読み切ります。
func FromResponse(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	kind := KindTransient
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = KindAuth
	case resp.StatusCode == http.StatusBadRequest && mentionsInvalidKey(body):
		// Gemini などは無効なキーを 400 で返す
		kind = KindAuth
	}
	msg := ExtractMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Status:  resp.StatusCode,
		Message: msg,
	}
}

var invalidKeyMarkers = []string{
	"api_key_invalid",
	"invalid_api_key",
	"invalid api key",
	"api key not valid",
	"incorrect api key",
}

func mentionsInvalidKey(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range invalidKeyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ExtractMessage は JSON のエラー本文から人が読めるメッセージを取り出します。
// error.message、message、detail の順に探し、見つからなければ本文そのものを使います。
func ExtractMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var plain string
		switch {
		case len(payload.Error) > 0 && json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			msg = nested.Message
		case len(payload.Error) > 0 && json.Unmarshal(payload.Error, &plain) == nil && plain != "":
			msg = plain
		case payload.Message != "":
			msg = payload.Message
		case len(payload.Detail) > 0:
			if json.Unmarshal(payload.Detail, &plain) == nil {
				msg = plain
			} else {
				msg = string(payload.Detail)
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return truncate(msg, maxMessageLength)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
