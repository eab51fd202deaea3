package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/remote"
)

var (
	ErrBatchAlreadyRunning = errors.New("a batch is already running")
	ErrNoJobs              = errors.New("no files to process")
)

const (
	MinFileConcurrency        = 1
	MaxFileConcurrency        = 10
	MinTranslationConcurrency = 1
	MaxTranslationConcurrency = 150
	DefaultMaxRetries         = 3
	MaxRetriesLimit           = 10
	DefaultLaunchInterval     = 100 * time.Millisecond
)

// Options はバッチ1回分の実行パラメータです。
type Options struct {
	FileConcurrency        int
	TranslationConcurrency int
	MaxRetries             int
	SkipProcessed          bool
	// LaunchInterval はジョブを連続して開始するときの最小間隔です。0 なら間隔を空けません。
	LaunchInterval time.Duration
}

// DefaultOptions は既定のパラメータです。
func DefaultOptions() Options {
	return Options{
		FileConcurrency:        1,
		TranslationConcurrency: 2,
		MaxRetries:             DefaultMaxRetries,
		LaunchInterval:         DefaultLaunchInterval,
	}
}

// Normalize は範囲外の値を丸めます。
func (o Options) Normalize() Options {
	o.FileConcurrency = clamp(o.FileConcurrency, MinFileConcurrency, MaxFileConcurrency)
	o.TranslationConcurrency = clamp(o.TranslationConcurrency, MinTranslationConcurrency, MaxTranslationConcurrency)
	o.MaxRetries = clamp(o.MaxRetries, 0, MaxRetriesLimit)
	if o.LaunchInterval < 0 {
		o.LaunchInterval = 0
	}
	return o
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Hooks はバッチの進行を外部に伝えるコールバックです。いずれも nil 可。
// どちらもスケジューラーのループから順に呼ばれます。
type Hooks struct {
	OnLog      func(message string)
	OnProgress func(Progress)
}

// Processor は1ファイルの処理本体です。
type Processor interface {
	Process(ctx context.Context, attempt Attempt) pipeline.Result
}

// ProcessorFunc は関数を Processor として使うためのアダプターです。
type ProcessorFunc func(ctx context.Context, attempt Attempt) pipeline.Result

func (f ProcessorFunc) Process(ctx context.Context, attempt Attempt) pipeline.Result {
	return f(ctx, attempt)
}

// Scheduler はバッチを実行します。同時に実行できるバッチは1つだけです。
type Scheduler struct {
	processor Processor
	record    ProcessedRecord
	logger    *zap.Logger
	running   atomic.Bool
}

// NewScheduler は Scheduler を作成します。record は nil でも構いません。
// processor は Run で使う既定の Processor で、RunWith だけを使う場合は nil でも構いません。
func NewScheduler(processor Processor, record ProcessedRecord, logger *zap.Logger) *Scheduler {
	return &Scheduler{processor: processor, record: record, logger: logging.OrNop(logger)}
}

// Running はバッチ実行中かどうかを返します。
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// BatchContext は1回のバッチ実行だけが持つ状態です。Run ごとに新しく作られ、
// 待ち行列と実行数はスケジューラーのループだけが触ります。
type BatchContext struct {
	processor Processor
	jobs      []*Job
	opts      Options
	gate      *Gate
	pending   []int
	active    int
	summary   Summary
}

func newBatchContext(processor Processor, jobs []*Job, opts Options) *BatchContext {
	return &BatchContext{
		processor: processor,
		jobs:      jobs,
		opts:      opts,
		gate:      NewGate(opts.TranslationConcurrency),
		pending:   make([]int, 0, len(jobs)),
		summary:   Summary{Total: len(jobs)},
	}
}

func (bc *BatchContext) finished() int {
	return bc.summary.Success + bc.summary.Skipped + bc.summary.Failed
}

func (bc *BatchContext) progress() Progress {
	return Progress{Summary: bc.summary, Finished: bc.finished(), Active: bc.active}
}

func (bc *BatchContext) pop() int {
	idx := bc.pending[0]
	bc.pending = bc.pending[1:]
	return idx
}

type completion struct {
	index  int
	result pipeline.Result
}

// Run はジョブ群を処理し、集計を返します。ジョブの状態と結果は jobs に書き込まれます。
//
// ファイル単位の同時実行数は FileConcurrency、翻訳呼び出しの同時実行数は全ファイル共通の
// TranslationConcurrency で制限します。失敗したジョブは MaxRetries 回まで待ち行列の末尾に
// 戻され、その都度新しいキーで再実行されます。ctx が終了すると新しいジョブは開始せず、
// 実行中のジョブの終了を待ってから戻ります。
func (s *Scheduler) Run(ctx context.Context, jobs []*Job, ocrKeys, trKeys pipeline.KeySource, opts Options, hooks Hooks) (Summary, error) {
	return s.RunWith(ctx, s.processor, jobs, ocrKeys, trKeys, opts, hooks)
}

// RunWith は processor を使って Run と同じ処理をします。バッチごとに設定の異なる
// Processor を使う場合に使います。
func (s *Scheduler) RunWith(ctx context.Context, processor Processor, jobs []*Job, ocrKeys, trKeys pipeline.KeySource, opts Options, hooks Hooks) (Summary, error) {
	if processor == nil {
		return Summary{}, errors.New("processor is nil")
	}
	if len(jobs) == 0 {
		return Summary{}, ErrNoJobs
	}
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrBatchAlreadyRunning
	}
	defer s.running.Store(false)

	opts = opts.Normalize()
	bc := newBatchContext(processor, jobs, opts)
	logf := func(format string, args ...any) {
		if hooks.OnLog != nil {
			hooks.OnLog(fmt.Sprintf(format, args...))
		}
	}
	report := func() {
		if hooks.OnProgress != nil {
			hooks.OnProgress(bc.progress())
		}
	}

	logf("=== バッチ処理を開始します ===")
	logf("ファイル並列数: %d, 翻訳並列数: %d, 最大再試行: %d, 処理済みをスキップ: %t",
		opts.FileConcurrency, opts.TranslationConcurrency, opts.MaxRetries, opts.SkipProcessed)
	s.logger.Info("batch started",
		zap.Int("jobs", len(jobs)),
		zap.Int("fileConcurrency", opts.FileConcurrency),
		zap.Int("translationConcurrency", opts.TranslationConcurrency),
		zap.Int("maxRetries", opts.MaxRetries),
	)

	for i, job := range jobs {
		job.Index = i
		job.Retries = 0
		job.Result = pipeline.Result{}
		if opts.SkipProcessed && s.isProcessed(ctx, job) {
			job.Status = StatusSkipped
			bc.summary.Skipped++
			logf("[%s] 処理済みのためスキップします", job.Name)
			continue
		}
		job.Status = StatusPending
		bc.pending = append(bc.pending, i)
	}
	report()

	limit := rate.Inf
	if opts.LaunchInterval > 0 {
		limit = rate.Every(opts.LaunchInterval)
	}
	pacer := rate.NewLimiter(limit, 1)
	done := make(chan completion, len(jobs))

	for len(bc.pending) > 0 || bc.active > 0 {
		for bc.active < opts.FileConcurrency && len(bc.pending) > 0 && ctx.Err() == nil {
			// 同じ瞬間に大量のアップロードが始まらないよう開始間隔を空ける
			if err := remote.Sleep(ctx, pacer.Reserve().Delay()); err != nil {
				break
			}
			s.launch(ctx, bc, bc.pop(), ocrKeys, trKeys, done, logf)
			report()
		}

		if ctx.Err() != nil && len(bc.pending) > 0 {
			for _, idx := range bc.pending {
				job := jobs[idx]
				job.Status = StatusFailed
				job.Result = pipeline.Result{Label: job.Name, Err: ctx.Err()}
				bc.summary.Failed++
			}
			logf("キャンセルされたため未処理の %d 件を失敗として扱います", len(bc.pending))
			bc.pending = nil
			report()
		}
		if bc.active == 0 {
			continue
		}

		c := <-done
		bc.active--
		s.complete(ctx, bc, c, logf)
		report()
	}

	if s.record != nil {
		if err := s.record.Persist(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to persist processed record", zap.Error(err))
		}
	}

	logf("=== バッチ処理が完了しました (成功 %d, スキップ %d, 失敗 %d / 全 %d) ===",
		bc.summary.Success, bc.summary.Skipped, bc.summary.Failed, bc.summary.Total)
	s.logger.Info("batch finished",
		zap.Int("success", bc.summary.Success),
		zap.Int("skipped", bc.summary.Skipped),
		zap.Int("failed", bc.summary.Failed),
	)
	return bc.summary, ctx.Err()
}

func (s *Scheduler) isProcessed(ctx context.Context, job *Job) bool {
	if s.record == nil {
		return false
	}
	ok, err := s.record.IsProcessed(ctx, job.Identifier())
	if err != nil {
		s.logger.Warn("processed record lookup failed", zap.String("file", job.Name), zap.Error(err))
		return false
	}
	return ok
}

func (s *Scheduler) launch(ctx context.Context, bc *BatchContext, idx int, ocrKeys, trKeys pipeline.KeySource, done chan<- completion, logf func(string, ...any)) {
	job := bc.jobs[idx]
	bc.active++
	if job.Retries > 0 {
		job.Status = StatusRetrying
		logf("--- [%d/%d] 処理開始: %s (再試行 %d/%d) ---", bc.finished()+1, bc.summary.Total, job.Name, job.Retries, bc.opts.MaxRetries)
	} else {
		job.Status = StatusActive
		logf("--- [%d/%d] 処理開始: %s ---", bc.finished()+1, bc.summary.Total, job.Name)
	}

	attempt := Attempt{
		Index:   idx,
		Name:    job.Name,
		Content: job.Content,
		Retry:   job.Retries,
		Slots:   bc.gate,
	}
	if ocrKeys != nil {
		attempt.OCRKey = ocrKeys.Next()
	}
	if trKeys != nil {
		attempt.TranslationKey = trKeys.Next()
	}

	go func() {
		done <- completion{index: idx, result: s.safeProcess(ctx, bc.processor, attempt)}
	}()
}

// safeProcess は Processor のパニックを失敗結果に変換します。
func (s *Scheduler) safeProcess(ctx context.Context, processor Processor, attempt Attempt) (res pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panic", zap.String("file", attempt.Name), zap.Any("panic", r))
			res = pipeline.Result{Label: attempt.Name, Err: fmt.Errorf("unexpected failure: %v", r)}
		}
	}()
	return processor.Process(ctx, attempt)
}

func (s *Scheduler) complete(ctx context.Context, bc *BatchContext, c completion, logf func(string, ...any)) {
	job := bc.jobs[c.index]
	if c.result.Label == "" {
		c.result.Label = job.Name
	}

	if c.result.Err == nil {
		job.Status = StatusSuccess
		job.Result = c.result
		bc.summary.Success++
		if s.record != nil {
			s.record.MarkProcessed(job.Identifier())
		}
		logf("[%s] 処理に成功しました", job.Name)
		return
	}

	if job.Retries < bc.opts.MaxRetries && ctx.Err() == nil {
		job.Retries++
		job.Status = StatusRetrying
		bc.pending = append(bc.pending, c.index)
		logf("[%s] 処理に失敗しました: %v。後で再試行します (%d/%d)", job.Name, c.result.Err, job.Retries, bc.opts.MaxRetries)
		return
	}

	job.Status = StatusFailed
	job.Result = c.result
	bc.summary.Failed++
	logf("[%s] 処理に失敗しました: %v。再試行の上限に達しました", job.Name, c.result.Err)
	s.logger.Warn("job failed", zap.String("file", job.Name), zap.Int("retries", job.Retries), zap.Error(c.result.Err))
}
