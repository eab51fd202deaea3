package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/paper-burner/internal/chunk"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/remote"
)

func (p *Pipeline) runTranslation(ctx context.Context, req Request, res *Result) error {
	model := req.Translation.Model
	if model == "" || model == provider.None {
		p.emit(req, req.Label, "翻訳は不要です")
		return nil
	}

	holder := newKeyHolder(orDefault(req.TranslationKeys, p.trKeys), req.TranslationKey, ErrAllTranslationKeysInvalid)
	key, err := holder.first()
	if err != nil {
		// 直接翻訳ではキーがなければ翻訳だけを省略する
		p.logger.Warn("no translation key, skipping translation", zap.String("file", req.Label))
		p.emit(req, req.Label, "警告: 翻訳 API キーがないため翻訳をスキップします")
		return nil
	}

	limit := req.ChunkTokenLimit
	if limit <= 0 {
		limit = chunk.DefaultTokenLimit
	}
	slots := req.Slots
	if slots == nil {
		slots = unlimited{}
	}

	p.emit(req, req.Label, "翻訳を開始します (%s, キー: %s)", model, logging.MaskKey(key))
	if chunk.NeedsSplit(res.Markdown, limit) {
		return p.translateChunked(ctx, req, holder, slots, limit, res)
	}

	out, err := p.translateDirect(ctx, req, holder, slots, res.Markdown)
	if err != nil {
		return err
	}
	res.Translation = out
	p.emit(req, req.Label, "翻訳が完了しました")
	return nil
}

func (p *Pipeline) translateDirect(ctx context.Context, req Request, holder *keyHolder, slots Slots, text string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= translateAttempts; attempt++ {
		key := holder.current()
		out, err := p.callWithSlot(ctx, slots, req, key, text)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if remote.IsAuth(err) {
			next, rerr := holder.rotate(key)
			if rerr != nil {
				return "", rerr
			}
			p.emit(req, req.Label, "翻訳キー %s が無効です。%s に切り替えて再試行します", logging.MaskKey(key), logging.MaskKey(next))
			continue
		}

		if attempt == translateAttempts {
			break
		}
		d := p.delay(attempt)
		p.emit(req, req.Label, "翻訳に失敗しました: %v (%s 後に再試行)", err, d.Round(time.Millisecond))
		if err := remote.Sleep(ctx, d); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("translation failed after %d attempts: %w", translateAttempts, lastErr)
}

// translateChunked はチャンクを並行に翻訳し、元の順序で連結します。
// 再試行を使い切ったチャンクは原文を残し、キーが尽きた場合だけ全体を失敗にします。
func (p *Pipeline) translateChunked(ctx context.Context, req Request, holder *keyHolder, slots Slots, limit int, res *Result) error {
	chunks := p.splitter.Split(res.Markdown, limit)
	res.TotalChunks = len(chunks)
	p.emit(req, req.Label, "文書を %d 個のチャンクに分割して翻訳します (上限 %d トークン)", len(chunks), limit)

	out := make([]string, len(chunks))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("chunk %d: unexpected failure: %v", i+1, r)
				}
			}()
			text, ok, err := p.translateChunk(gctx, req, holder, slots, i, len(chunks), c.Text)
			if err != nil {
				return err
			}
			if !ok {
				failed.Add(1)
				text = failureMarker(i+1, len(chunks), c.Text)
			}
			out[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	res.FailedChunks = int(failed.Load())
	res.Translation = chunk.Join(out)
	if res.FailedChunks > 0 {
		p.logger.Warn("partial translation",
			zap.String("file", req.Label),
			zap.Int("failedChunks", res.FailedChunks),
			zap.Int("totalChunks", res.TotalChunks),
		)
		p.emit(req, req.Label, "%d/%d チャンクの翻訳に失敗しました。該当部分は原文のまま残しています", res.FailedChunks, res.TotalChunks)
	} else {
		p.emit(req, req.Label, "すべてのチャンクの翻訳が完了しました")
	}
	return nil
}

// translateChunk は1チャンクを翻訳します。ok が false なら再試行を使い切ったことを、
// err はジョブ全体を止めるべき失敗を表します。
func (p *Pipeline) translateChunk(ctx context.Context, req Request, holder *keyHolder, slots Slots, index, total int, text string) (string, bool, error) {
	part := fmt.Sprintf("%s (%d/%d)", req.Label, index+1, total)
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		key := holder.current()
		out, err := p.callWithSlot(ctx, slots, req, key, text)
		if err == nil {
			return out, true, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}

		if remote.IsAuth(err) {
			if _, rerr := holder.rotate(key); rerr != nil {
				return "", false, rerr
			}
			p.emit(req, part, "翻訳キー %s が無効です。次のキーで再試行します", logging.MaskKey(key))
			continue
		}

		p.emit(req, part, "警告: 翻訳に失敗しました (試行 %d/%d): %v", attempt, chunkAttempts, err)
		if attempt < chunkAttempts {
			if err := remote.Sleep(ctx, p.delay(attempt)); err != nil {
				return "", false, err
			}
		}
	}
	p.emit(req, part, "再試行の上限に達したため原文を残します")
	return "", false, nil
}

// callWithSlot はスロットを確保してから翻訳し、どの経路で抜けても必ず解放します。
func (p *Pipeline) callWithSlot(ctx context.Context, slots Slots, req Request, key, text string) (string, error) {
	if err := slots.Acquire(ctx); err != nil {
		return "", err
	}
	defer slots.Release()
	return p.translator.Translate(ctx, req.Translation, key, text)
}

// failureMarker は翻訳に失敗したチャンクを原文のまま目印付きで残します。
func failureMarker(part, total int, original string) string {
	return fmt.Sprintf("> **[翻訳失敗 (%d 回試行) - 原文を保持: Part %d/%d]**\n\n%s",
		chunkAttempts, part, total, strings.Trim(original, "\n"))
}

// keyHolder はジョブ内で共有する現在のキーと、試したキーの集合です。
type keyHolder struct {
	mu        sync.Mutex
	pool      KeySource
	key       string
	tried     map[string]bool
	exhausted error
}

func orDefault(pool, fallback KeySource) KeySource {
	if pool != nil {
		return pool
	}
	return fallback
}

func newKeyHolder(pool KeySource, initial string, exhausted error) *keyHolder {
	return &keyHolder{pool: pool, key: initial, tried: make(map[string]bool), exhausted: exhausted}
}

func (h *keyHolder) first() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key == "" && h.pool != nil {
		h.key = h.pool.Next()
	}
	if h.key == "" {
		return "", h.exhausted
	}
	h.tried[h.key] = true
	return h.key, nil
}

func (h *keyHolder) current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

// rotate は bad を失効させて次のキーに切り替えます。別の呼び出しがすでに切り替えていれば
// そのキーを返します。次がない、またはこのジョブで試し済みなら exhausted を返します。
func (h *keyHolder) rotate(bad string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pool != nil {
		h.pool.MarkInvalid(bad)
	}
	h.tried[bad] = true
	if h.key != "" && h.key != bad {
		return h.key, nil
	}

	next := ""
	if h.pool != nil {
		next = h.pool.Next()
	}
	if next == "" || h.tried[next] {
		h.key = ""
		return "", h.exhausted
	}
	h.tried[next] = true
	h.key = next
	return next, nil
}
