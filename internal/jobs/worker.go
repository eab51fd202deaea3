// Package jobs はバッチの非同期実行とジョブ状態の管理を提供します。
package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeSweep    = "workspace:sweep"
	queueMaintenance = "maintenance"
	sweepSchedule    = "@every 5m"
)

func (m *Manager) registerSweep() error {
	task := asynq.NewTask(taskTypeSweep, nil, asynq.Queue(queueMaintenance))
	if _, err := m.scheduler.Register(sweepSchedule, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("failed to register sweep task: %w", err)
	}
	return nil
}

// handleSweepTask は期限切れの作業ディレクトリを削除します。
func (m *Manager) handleSweepTask(ctx context.Context, _ *asynq.Task) error {
	n, err := m.runner.SweepExpired()
	if err != nil {
		m.logger.Warn("workspace sweep finished with errors", zap.Int("removed", n), zap.Error(err))
		return err
	}
	m.logger.Debug("workspace sweep finished", zap.Int("removed", n))
	return nil
}

// asynqLogger は asynq のログを zap に流します。
type asynqLogger struct {
	s *zap.SugaredLogger
}

func newAsynqLogger(l *zap.Logger) asynq.Logger {
	return asynqLogger{s: l.Named("asynq").Sugar()}
}

func (l asynqLogger) Debug(args ...any) { l.s.Debug(args...) }
func (l asynqLogger) Info(args ...any)  { l.s.Info(args...) }
func (l asynqLogger) Warn(args ...any)  { l.s.Warn(args...) }
func (l asynqLogger) Error(args ...any) { l.s.Error(args...) }
func (l asynqLogger) Fatal(args ...any) { l.s.Fatal(args...) }
