package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-burner/internal/keys"
	"github.com/yourusername/paper-burner/internal/pipeline"
)

func testOptions() Options {
	o := DefaultOptions()
	o.LaunchInterval = 0
	return o
}

func makeJobs(names ...string) []*Job {
	jobs := make([]*Job, len(names))
	for i, n := range names {
		jobs[i] = NewJob(i, n, []byte(n))
	}
	return jobs
}

func succeed(_ context.Context, a Attempt) pipeline.Result {
	return pipeline.Result{Label: a.Name, Markdown: "md:" + a.Name}
}

func TestGateCapacity(t *testing.T) {
	g := NewGate(2)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = g.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should wait for a release")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire did not resolve after release")
	}
	assert.False(t, g.TryAcquire())
}

func TestGateIsFIFO(t *testing.T) {
	g := NewGate(1)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}()
		// 待ち行列に入る順番を固定する
		time.Sleep(20 * time.Millisecond)
	}

	g.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestGateAcquireHonoursContext(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)
}

func TestRunAllSucceed(t *testing.T) {
	jobs := makeJobs("a.pdf", "b.pdf", "c.pdf")
	s := NewScheduler(ProcessorFunc(succeed), nil, nil)

	var last Progress
	summary, err := s.Run(context.Background(), jobs, nil, nil, testOptions(), Hooks{
		OnProgress: func(p Progress) { last = p },
	})

	require.NoError(t, err)
	assert.Equal(t, Summary{Success: 3, Total: 3}, summary)
	assert.Equal(t, 100, last.Percent())
	for _, j := range jobs {
		assert.Equal(t, StatusSuccess, j.Status)
		assert.Equal(t, "md:"+j.Name, j.Result.Markdown)
	}
}

func TestRunRetryCap(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(ProcessorFunc(func(_ context.Context, a Attempt) pipeline.Result {
		calls.Add(1)
		return pipeline.Result{Label: a.Name, Err: errors.New("transient")}
	}), nil, nil)

	jobs := makeJobs("bad.pdf")
	opts := testOptions()
	opts.MaxRetries = 3
	summary, err := s.Run(context.Background(), jobs, nil, nil, opts, Hooks{})

	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, Summary{Failed: 1, Total: 1}, summary)
	assert.Equal(t, StatusFailed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Retries)
	assert.Error(t, jobs[0].Result.Err)
}

func TestRunRetriesNeverExceedMax(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 5} {
		var seen []int
		s := NewScheduler(ProcessorFunc(func(_ context.Context, a Attempt) pipeline.Result {
			seen = append(seen, a.Retry)
			return pipeline.Result{Label: a.Name, Err: errors.New("transient")}
		}), nil, nil)

		jobs := makeJobs("bad.pdf")
		opts := testOptions()
		opts.MaxRetries = maxRetries
		_, err := s.Run(context.Background(), jobs, nil, nil, opts, Hooks{})

		require.NoError(t, err)
		assert.Equal(t, maxRetries, jobs[0].Retries, "maxRetries=%d", maxRetries)
		require.Len(t, seen, maxRetries+1)
		for i, retry := range seen {
			assert.Equal(t, i, retry)
		}
	}
}

func TestRunRetrySucceedsWithFreshKey(t *testing.T) {
	ocrKeys, err := keys.NewPool("k1\nk2")
	require.NoError(t, err)

	var used []string
	s := NewScheduler(ProcessorFunc(func(_ context.Context, a Attempt) pipeline.Result {
		used = append(used, a.OCRKey)
		if a.Retry == 0 {
			return pipeline.Result{Err: errors.New("first attempt fails")}
		}
		return pipeline.Result{Markdown: "ok"}
	}), nil, nil)

	summary, err := s.Run(context.Background(), makeJobs("a.pdf"), ocrKeys, nil, testOptions(), Hooks{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, []string{"k1", "k2"}, used)
}

func TestRunSkipsProcessedFiles(t *testing.T) {
	jobs := makeJobs("done.pdf", "new.pdf")
	record := NewMemoryRecord(jobs[0].Identifier())

	var seen []string
	var mu sync.Mutex
	s := NewScheduler(ProcessorFunc(func(ctx context.Context, a Attempt) pipeline.Result {
		mu.Lock()
		seen = append(seen, a.Name)
		mu.Unlock()
		return succeed(ctx, a)
	}), record, nil)

	opts := testOptions()
	opts.SkipProcessed = true
	summary, err := s.Run(context.Background(), jobs, nil, nil, opts, Hooks{})

	require.NoError(t, err)
	assert.Equal(t, Summary{Success: 1, Skipped: 1, Total: 2}, summary)
	assert.Equal(t, []string{"new.pdf"}, seen)
	assert.Equal(t, StatusSkipped, jobs[0].Status)

	ok, _ := record.IsProcessed(context.Background(), jobs[1].Identifier())
	assert.True(t, ok, "successful job is persisted at batch end")
}

func TestRunWithoutSkipProcessesEverything(t *testing.T) {
	jobs := makeJobs("done.pdf")
	record := NewMemoryRecord(jobs[0].Identifier())
	s := NewScheduler(ProcessorFunc(succeed), record, nil)

	summary, err := s.Run(context.Background(), jobs, nil, nil, testOptions(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)
}

func TestRunRejectsSecondBatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	s := NewScheduler(ProcessorFunc(func(ctx context.Context, a Attempt) pipeline.Result {
		once.Do(func() { close(started) })
		<-release
		return succeed(ctx, a)
	}), nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), makeJobs("a.pdf"), nil, nil, testOptions(), Hooks{})
		errCh <- err
	}()
	<-started

	assert.True(t, s.Running())
	_, err := s.Run(context.Background(), makeJobs("b.pdf"), nil, nil, testOptions(), Hooks{})
	assert.ErrorIs(t, err, ErrBatchAlreadyRunning)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, s.Running())
}

func TestRunRejectsEmptyBatch(t *testing.T) {
	s := NewScheduler(ProcessorFunc(succeed), nil, nil)
	_, err := s.Run(context.Background(), nil, nil, nil, testOptions(), Hooks{})
	assert.ErrorIs(t, err, ErrNoJobs)
}

// tracker は同時に実行中の数の最大値を記録します。
type tracker struct {
	cur, max atomic.Int32
}

func (tr *tracker) enter() {
	n := tr.cur.Add(1)
	for {
		m := tr.max.Load()
		if n <= m || tr.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (tr *tracker) leave() { tr.cur.Add(-1) }

func TestRunBoundsFileConcurrency(t *testing.T) {
	var tr tracker
	s := NewScheduler(ProcessorFunc(func(ctx context.Context, a Attempt) pipeline.Result {
		tr.enter()
		defer tr.leave()
		time.Sleep(20 * time.Millisecond)
		return succeed(ctx, a)
	}), nil, nil)

	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("f%d.pdf", i)
	}
	opts := testOptions()
	opts.FileConcurrency = 3
	summary, err := s.Run(context.Background(), makeJobs(names...), nil, nil, opts, Hooks{})

	require.NoError(t, err)
	assert.Equal(t, 8, summary.Success)
	assert.Equal(t, int32(3), tr.max.Load())
}

func TestTranslationGateIsSharedAcrossFiles(t *testing.T) {
	var tr tracker
	s := NewScheduler(ProcessorFunc(func(ctx context.Context, a Attempt) pipeline.Result {
		if err := a.Slots.Acquire(ctx); err != nil {
			return pipeline.Result{Err: err}
		}
		tr.enter()
		time.Sleep(10 * time.Millisecond)
		tr.leave()
		a.Slots.Release()
		return succeed(ctx, a)
	}), nil, nil)

	opts := testOptions()
	opts.FileConcurrency = 4
	opts.TranslationConcurrency = 1
	summary, err := s.Run(context.Background(), makeJobs("a", "b", "c", "d"), nil, nil, opts, Hooks{})

	require.NoError(t, err)
	assert.Equal(t, 4, summary.Success)
	assert.Equal(t, int32(1), tr.max.Load())
}

func TestRunRecoversProcessorPanic(t *testing.T) {
	s := NewScheduler(ProcessorFunc(func(context.Context, Attempt) pipeline.Result {
		panic("boom")
	}), nil, nil)

	jobs := makeJobs("a.pdf", "b.pdf")
	opts := testOptions()
	opts.MaxRetries = 0
	summary, err := s.Run(context.Background(), jobs, nil, nil, opts, Hooks{})

	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2, Total: 2}, summary)
	assert.Contains(t, jobs[0].Result.Err.Error(), "boom")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(ProcessorFunc(func(ctx context.Context, a Attempt) pipeline.Result {
		calls.Add(1)
		return succeed(ctx, a)
	}), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs := makeJobs("a.pdf", "b.pdf")
	summary, err := s.Run(ctx, jobs, nil, nil, testOptions(), Hooks{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 2, summary.Failed)
	for _, j := range jobs {
		assert.Equal(t, StatusFailed, j.Status)
	}
}

func TestRunLogsToHook(t *testing.T) {
	var logs []string
	s := NewScheduler(ProcessorFunc(succeed), nil, nil)
	_, err := s.Run(context.Background(), makeJobs("a.pdf"), nil, nil, testOptions(), Hooks{
		OnLog: func(m string) { logs = append(logs, m) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1], "成功 1")
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{FileConcurrency: 0, TranslationConcurrency: 500, MaxRetries: -1, LaunchInterval: -time.Second}.Normalize()
	assert.Equal(t, 1, o.FileConcurrency)
	assert.Equal(t, 150, o.TranslationConcurrency)
	assert.Equal(t, 0, o.MaxRetries)
	assert.Equal(t, time.Duration(0), o.LaunchInterval)

	o = Options{FileConcurrency: 11}.Normalize()
	assert.Equal(t, 10, o.FileConcurrency)
}

func TestIdentifier(t *testing.T) {
	j := NewJob(0, "paper.pdf", []byte("12345"))
	assert.Equal(t, "paper.pdf_5", j.Identifier())
}

func TestRunWithUsesGivenProcessor(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	_, err := s.Run(context.Background(), makeJobs("a.pdf"), nil, nil, testOptions(), Hooks{})
	require.Error(t, err)

	summary, err := s.RunWith(context.Background(), ProcessorFunc(succeed), makeJobs("a.pdf"), nil, nil, testOptions(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)
}
