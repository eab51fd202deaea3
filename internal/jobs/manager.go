package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/config"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/pdf"
)

const (
	taskTypeBatch = "batch:run"
	queueBatch    = "batch"
)

// Runner はキューから取り出したバッチを実行します。*pdf.Service が実装します。
type Runner interface {
	RunJob(ctx context.Context, jobID string, hooks pdf.RunHooks) (*pdf.Result, error)
	SweepExpired() (int, error)
}

type recordStore interface {
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	MarkRunning(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	MarkDone(ctx context.Context, jobID string, downloadURL string, meta any) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
	AppendLog(ctx context.Context, jobID, message string) error
	Logs(ctx context.Context, jobID string, from int64) ([]LogEntry, error)
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     recordStore
	runner    Runner
	logger    *zap.Logger
}

// TaskPayload はバッチ実行タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
// バッチは1件ずつ順に処理するため、ワーカーの並列数は1に固定します。
func NewManager(cfg *config.Config, runner Runner, store *Store, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger = logging.OrNop(logger)

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queueBatch:       5,
				queueMaintenance: 1,
			},
			Logger: newAsynqLogger(logger),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: newAsynqLogger(logger)}),
		mux:       mux,
		store:     store,
		runner:    runner,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeBatch, manager.handleBatchTask)
	mux.HandleFunc(taskTypeSweep, manager.handleSweepTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーと定期実行スケジューラーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if err := m.registerSweep(); err != nil {
		return err
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
	go func() {
		if err := m.scheduler.Run(); err != nil {
			m.logger.Error("asynq scheduler stopped with error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はジョブをキューに投入します。
func (m *Manager) Enqueue(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}

	record := &Record{
		JobID:  jobID,
		Status: StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return "", err
	}

	// 途中まで進んだバッチを丸ごとやり直すと外部 API を二重に呼ぶため再試行しない
	task := asynq.NewTask(taskTypeBatch, body, asynq.Queue(queueBatch))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Retention(m.cfg.JobTTL()))
	if err != nil {
		return "", err
	}
	m.logger.Info("batch job enqueued", zap.String("jobId", jobID), zap.String("taskId", info.ID))
	return info.ID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// GetLogs は from 行目以降の実行ログを取得します。
func (m *Manager) GetLogs(ctx context.Context, jobID string, from int64) ([]LogEntry, error) {
	return m.store.Logs(ctx, jobID, from)
}

func (m *Manager) handleBatchTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	jobID := payload.JobID
	log := m.logger.With(zap.String("jobId", jobID))

	if err := m.store.MarkRunning(ctx, jobID); err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			return err
		}
		// 期限切れなどで記録が消えていても実行はする
		if err := m.store.Upsert(ctx, &Record{JobID: jobID, Status: StatusRunning}); err != nil {
			return err
		}
	}

	result, err := m.runner.RunJob(ctx, jobID, pdf.RunHooks{
		Progress: func(stage string, percent int) {
			if err := m.store.UpdateProgress(ctx, jobID, ProgressInfo{
				Stage:   stage,
				Percent: percent,
			}); err != nil {
				log.Warn("failed to update progress", zap.Error(err))
			}
		},
		Log: func(message string) {
			if err := m.store.AppendLog(ctx, jobID, message); err != nil {
				log.Warn("failed to append job log", zap.Error(err))
			}
		},
	})
	if err != nil {
		log.Warn("batch job failed", zap.Error(err))
		return m.failJobWithError(ctx, jobID, err)
	}
	return m.finishJob(ctx, jobID, result)
}

func (m *Manager) finishJob(ctx context.Context, jobID string, result *pdf.Result) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	downloadURL := m.buildDownloadURL(result)
	return m.store.MarkDone(ctx, jobID, downloadURL, result.Meta)
}

func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	// タスクのコンテキストが切れていても失敗は記録する
	return m.store.MarkFailed(context.WithoutCancel(ctx), jobID, errorInfo(err))
}

func errorInfo(err error) *ErrorInfo {
	var apiErr *pdf.Error
	switch {
	case errors.As(err, &apiErr):
		return &ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ErrorInfo{Code: "CANCELED", Message: "ジョブが中断されました。"}
	default:
		return &ErrorInfo{Code: "INTERNAL_ERROR", Message: err.Error()}
	}
}

func (m *Manager) buildDownloadURL(result *pdf.Result) string {
	base := ""
	if m.cfg != nil {
		base = m.cfg.JobResultBaseURL
	}
	if base == "" {
		return fmt.Sprintf("/api/jobs/%s/download", result.JobID)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), result.JobID, url.PathEscape(result.OutputFilename))
}
