// Package pdf はアップロードされた PDF 群をバッチとして受け付け、OCR と翻訳を実行して
// 成果物の ZIP を作るサービスと、その HTTP ハンドラーを提供します。
package pdf

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/storage"
)

// Config はサービスの制限値と実行パラメータです。
type Config struct {
	MaxFileSize    int64
	MaxFiles       int
	LaunchInterval time.Duration
}

// Service はバッチジョブの準備・実行・成果物の取得を担います。
type Service struct {
	cfg       Config
	store     *storage.Local
	pipeline  *pipeline.Pipeline
	scheduler *batch.Scheduler
	logger    *zap.Logger
	now       func() time.Time
}

// NewService は Service を作成します。record は nil でも構いません。
func NewService(cfg Config, store *storage.Local, p *pipeline.Pipeline, record batch.ProcessedRecord, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if p == nil {
		return nil, errors.New("pipeline is nil")
	}
	logger = logging.OrNop(logger)
	return &Service{
		cfg:       cfg,
		store:     store,
		pipeline:  p,
		scheduler: batch.NewScheduler(nil, record, logger),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Running はバッチ実行中かどうかを返します。
func (s *Service) Running() bool {
	return s.scheduler.Running()
}
