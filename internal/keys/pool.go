// Package keys は API キーのローテーションと失効管理を提供します。
package keys

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoKeys は有効なキーが1つも指定されていないことを表します。
var ErrNoKeys = errors.New("no usable api keys")

// Pool は1種類の資格情報（OCR または翻訳）のキー集合です。
// ラウンドロビンでキーを払い出し、認証に失敗したキーは以後スキップします。
type Pool struct {
	mu      sync.Mutex
	keys    []string
	invalid map[string]struct{}
	cursor  int
}

// NewPool は改行区切りのテキストから Pool を作成します。
func NewPool(raw string) (*Pool, error) {
	p := &Pool{}
	if !p.Parse(raw) {
		return p, ErrNoKeys
	}
	return p, nil
}

// Parse は改行区切りのキーを読み込み、カーソルと失効リストを初期化します。
// 空行は無視し、有効なキーが残ったかどうかを返します。
func (p *Pool) Parse(raw string) bool {
	var parsed []string
	for _, line := range strings.Split(raw, "\n") {
		if key := strings.TrimSpace(line); key != "" {
			parsed = append(parsed, key)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = parsed
	p.invalid = make(map[string]struct{})
	p.cursor = 0
	return len(parsed) > 0
}

// Next は次に使うキーを返します。使えるキーがなければ空文字を返します。
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.liveLocked()
	if len(live) == 0 {
		return ""
	}
	key := live[p.cursor%len(live)]
	p.cursor = (p.cursor + 1) % len(live)
	return key
}

// MarkInvalid はキーを失効扱いにします。何度呼んでも結果は同じです。
func (p *Pool) MarkInvalid(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalid == nil {
		p.invalid = make(map[string]struct{})
	}
	p.invalid[key] = struct{}{}
}

// Len は登録されているキーの総数です。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Available は失効していないキーの数です。
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.liveLocked())
}

func (p *Pool) liveLocked() []string {
	if len(p.invalid) == 0 {
		return p.keys
	}
	live := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if _, bad := p.invalid[k]; !bad {
			live = append(live, k)
		}
	}
	return live
}
