// Package pipeline は1つの PDF に対するアップロード・OCR・翻訳・後片付けを実行します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/chunk"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/ocr"
	"github.com/yourusername/paper-burner/internal/remote"
	"github.com/yourusername/paper-burner/internal/translate"
)

var (
	ErrAllOCRKeysInvalid         = errors.New("all OCR api keys are invalid, add a valid key")
	ErrAllTranslationKeysInvalid = errors.New("all translation api keys are invalid, add a valid key")
)

const (
	ocrAttempts       = 5
	translateAttempts = 5
	// チャンクは初回 + 3 回の再試行
	chunkAttempts = 4

	DefaultSettleDelay = time.Second
	cleanupTimeout     = 30 * time.Second
)

// OCRService は OCR サービスへの操作です。*ocr.Client が実装します。
type OCRService interface {
	Upload(ctx context.Context, key, filename string, content []byte) (string, error)
	SignedURL(ctx context.Context, key, fileID string) (string, error)
	Process(ctx context.Context, key, documentURL string) (*ocr.Response, error)
	Delete(ctx context.Context, key, fileID string) error
}

// Translator は1回分の翻訳呼び出しです。*translate.Client が実装します。
type Translator interface {
	Translate(ctx context.Context, cfg translate.Config, key, text string) (string, error)
}

// KeySource はキーの払い出しと失効通知です。*keys.Pool が実装します。
type KeySource interface {
	Next() string
	MarkInvalid(key string)
}

// Slots は翻訳呼び出しの同時実行数を制限するゲートです。
type Slots interface {
	Acquire(ctx context.Context) error
	Release()
}

type unlimited struct{}

func (unlimited) Acquire(ctx context.Context) error { return ctx.Err() }
func (unlimited) Release()                          {}

// Request は1ファイル分の処理要求です。
type Request struct {
	Label           string
	Content         []byte
	OCRKey          string
	TranslationKey  string
	Translation     translate.Config
	ChunkTokenLimit int
	// Slots が nil の場合は翻訳の同時実行数を制限しません。
	Slots Slots
	// OCRKeys と TranslationKeys はバッチごとのキープールです。nil なら New で渡したものを使います。
	OCRKeys         KeySource
	TranslationKeys KeySource
	// Log が nil でなければ、このファイルの進行ログは WithLogSink の代わりにここへ出力します。
	Log func(string)
}

// Result は1ファイル分の処理結果です。Err が nil でなければ Markdown と Translation は空です。
type Result struct {
	Label        string
	Markdown     string
	Translation  string
	Images       []ocr.ImageData
	Err          error
	TotalChunks  int
	FailedChunks int
}

// Failed は処理が失敗したかどうかを返します。
func (r Result) Failed() bool {
	return r.Err != nil
}

// Pipeline は1ファイルの処理手順を実行します。キープールはバッチごとに用意します。
type Pipeline struct {
	ocr        OCRService
	translator Translator
	ocrKeys    KeySource
	trKeys     KeySource
	splitter   *chunk.Splitter
	logger     *zap.Logger
	sink       func(string)
	settle     time.Duration
	delay      func(attempt int) time.Duration
}

// Option は Pipeline の設定を変更します。
type Option func(*Pipeline)

// WithLogger は診断用のロガーを設定します。
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l) }
}

// WithLogSink は利用者向けの進行ログの出力先を設定します。
func WithLogSink(sink func(string)) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithSettleDelay はアップロード後、署名付き URL を取得するまでの待ち時間です。
func WithSettleDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.settle = d
		}
	}
}

// WithBackoff は再試行前の待ち時間の計算方法を差し替えます。
func WithBackoff(delay func(attempt int) time.Duration) Option {
	return func(p *Pipeline) {
		if delay != nil {
			p.delay = delay
		}
	}
}

// New は Pipeline を作成します。
func New(ocrSvc OCRService, translator Translator, ocrKeys, trKeys KeySource, opts ...Option) *Pipeline {
	p := &Pipeline{
		ocr:        ocrSvc,
		translator: translator,
		ocrKeys:    ocrKeys,
		trKeys:     trKeys,
		logger:     zap.NewNop(),
		settle:     DefaultSettleDelay,
		delay:      remote.Delay,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.splitter = chunk.NewSplitter(p.logger)
	return p
}

type upload struct {
	fileID string
	key    string
}

// Process は1ファイルを処理します。失敗はすべて Result.Err に変換され、パニックも外に出しません。
// アップロードしたリモートファイルは結果にかかわらず削除を試みます。
func (p *Pipeline) Process(ctx context.Context, req Request) (res Result) {
	log := p.logger.With(zap.String("file", req.Label))
	var uploads []upload

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", zap.Any("panic", r))
			res = Result{Label: req.Label, Err: fmt.Errorf("unexpected failure: %v", r)}
		}
		p.cleanup(ctx, req, uploads)
		if res.Err != nil {
			p.emit(req, req.Label, "エラー: %v", res.Err)
			res.Markdown, res.Translation, res.Images = "", "", nil
		}
	}()

	p.emit(req, req.Label, "処理を開始します (OCR キー: %s)", logging.MaskKey(req.OCRKey))

	doc, err := p.runOCR(ctx, req, &uploads)
	if err != nil {
		return Result{Label: req.Label, Err: err}
	}
	res = Result{Label: req.Label, Markdown: doc.Markdown, Images: doc.Images}

	if err := p.runTranslation(ctx, req, &res); err != nil {
		return Result{Label: req.Label, Err: err}
	}
	log.Info("document processed",
		zap.Int("images", len(res.Images)),
		zap.Bool("translated", res.Translation != ""),
		zap.Int("failedChunks", res.FailedChunks),
	)
	return res
}

func (p *Pipeline) runOCR(ctx context.Context, req Request, uploads *[]upload) (ocr.Document, error) {
	holder := newKeyHolder(orDefault(req.OCRKeys, p.ocrKeys), req.OCRKey, ErrAllOCRKeysInvalid)
	key, err := holder.first()
	if err != nil {
		return ocr.Document{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= ocrAttempts; attempt++ {
		doc, err := p.ocrOnce(ctx, req, key, uploads)
		if err == nil {
			p.emit(req, req.Label, "OCR が完了しました")
			return doc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ocr.Document{}, ctx.Err()
		}

		if remote.IsAuth(err) {
			p.logger.Warn("ocr key rejected", zap.String("file", req.Label), zap.String("key", logging.MaskKey(key)))
			next, rerr := holder.rotate(key)
			if rerr != nil {
				return ocr.Document{}, rerr
			}
			p.emit(req, req.Label, "OCR キー %s が無効です。%s に切り替えて再試行します", logging.MaskKey(key), logging.MaskKey(next))
			key = next
			continue
		}

		if attempt == ocrAttempts {
			break
		}
		d := p.delay(attempt)
		p.emit(req, req.Label, "OCR に失敗しました: %v (%s 後に再試行)", err, d.Round(time.Millisecond))
		if err := remote.Sleep(ctx, d); err != nil {
			return ocr.Document{}, err
		}
	}
	return ocr.Document{}, fmt.Errorf("ocr failed after %d attempts: %w", ocrAttempts, lastErr)
}

func (p *Pipeline) ocrOnce(ctx context.Context, req Request, key string, uploads *[]upload) (ocr.Document, error) {
	p.emit(req, req.Label, "アップロード中...")
	fileID, err := p.ocr.Upload(ctx, key, req.Label, req.Content)
	if err != nil {
		return ocr.Document{}, err
	}
	*uploads = append(*uploads, upload{fileID: fileID, key: key})

	if err := remote.Sleep(ctx, p.settle); err != nil {
		return ocr.Document{}, err
	}

	signedURL, err := p.ocr.SignedURL(ctx, key, fileID)
	if err != nil {
		return ocr.Document{}, err
	}

	p.emit(req, req.Label, "OCR を実行中...")
	resp, err := p.ocr.Process(ctx, key, signedURL)
	if err != nil {
		return ocr.Document{}, err
	}
	return ocr.Normalize(resp), nil
}

// cleanup はアップロードしたファイルを、それぞれアップロードに使ったキーで削除します。
// 失敗はログに残すだけです。
func (p *Pipeline) cleanup(ctx context.Context, req Request, uploads []upload) {
	if len(uploads) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for _, u := range uploads {
		if err := p.ocr.Delete(cctx, u.key, u.fileID); err != nil {
			p.logger.Warn("failed to delete remote file",
				zap.String("file", req.Label),
				zap.String("fileID", u.fileID),
				zap.Error(err),
			)
			p.emit(req, req.Label, "警告: リモートファイル %s の削除に失敗しました: %v", u.fileID, err)
			continue
		}
		p.emit(req, req.Label, "リモートの一時ファイル %s を削除しました", u.fileID)
	}
}

func (p *Pipeline) emit(req Request, label, format string, args ...any) {
	sink := p.sink
	if req.Log != nil {
		sink = req.Log
	}
	if sink == nil {
		return
	}
	sink(fmt.Sprintf("[%s] ", label) + fmt.Sprintf(format, args...))
}
