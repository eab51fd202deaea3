package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/export"
	"github.com/yourusername/paper-burner/internal/keys"
	"github.com/yourusername/paper-burner/internal/storage"
)

// RunJob はジョブIDに対応するバッチを実行し、成功した結果を ZIP にまとめます。
// 失敗した場合は作業ディレクトリを削除します。
func (s *Service) RunJob(ctx context.Context, jobID string, hooks RunHooks) (_ *Result, err error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	ws, err := s.store.Open(jobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if cleanupErr := storage.RemoveDir(ws.Dir); cleanupErr != nil {
				err = fmt.Errorf("%w (ワークスペースの削除にも失敗しました: %v)", err, cleanupErr)
			}
		}
	}()

	manifest, err := loadManifest(ws.Dir)
	if err != nil {
		return nil, err
	}
	jobs, err := loadBatchJobs(ws.InDir, manifest)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("manifest has no input files")
	}

	ocrKeys, err := keys.NewPool(manifest.OCRKeys)
	if err != nil {
		return nil, newError(CodeMissingCredentials, "OCR API キーを1つ以上入力してください。", err)
	}
	// 翻訳しない場合や空の場合はパイプライン側で翻訳を省略する
	trKeys, _ := keys.NewPool(manifest.TranslationKeys)

	cfg := manifest.Settings.Normalize()
	proc := batch.PipelineProcessor{
		Pipeline:        s.pipeline,
		Translation:     cfg.TranslationConfig(),
		ChunkTokenLimit: cfg.MaxTokensPerChunk,
		OCRKeys:         ocrKeys,
		TranslationKeys: trKeys,
		Log:             hooks.Log,
	}

	reportProgress(hooks.Progress, "process", 0)
	started := s.now()
	summary, err := s.scheduler.RunWith(ctx, proc, jobs, ocrKeys, trKeys, cfg.BatchOptions(s.cfg.LaunchInterval), batch.Hooks{
		OnLog: hooks.Log,
		OnProgress: func(p batch.Progress) {
			reportProgress(hooks.Progress, "process", p.Percent()*90/100)
		},
	})
	if errors.Is(err, batch.ErrBatchAlreadyRunning) {
		return nil, newError(CodeBatchRunning, "別のバッチを処理中です。完了してから再度実行してください。", err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("batch job finished",
		zap.String("jobId", jobID),
		zap.Int("success", summary.Success),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", s.now().Sub(started)),
	)

	meta := &BatchMeta{Summary: summary, Files: outcomes(jobs), Ignored: manifest.Ignored}
	entries := export.EntriesFromJobs(jobs)
	if len(entries) == 0 {
		return nil, newError(CodeNoResults, "成功した処理結果がないため ZIP を作成できません。", nil)
	}

	reportProgress(hooks.Progress, "archive", 95)
	hooks.log(fmt.Sprintf("%d 件の結果を ZIP にまとめています...", len(entries)))
	filename := export.Filename(s.now())
	outputPath := filepath.Join(ws.OutDir, filename)
	archiver := export.NewArchiver(
		export.WithLogger(s.logger),
		export.WithLogSink(hooks.Log),
		export.WithClock(s.now),
	)
	if _, err := archiver.WriteFile(outputPath, entries); err != nil {
		return nil, err
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, err
	}
	reportProgress(hooks.Progress, "completed", 100)

	return &Result{
		JobID:          jobID,
		OutputPath:     outputPath,
		OutputFilename: filename,
		OutputSize:     info.Size(),
		Meta:           meta,
		jobDir:         ws.Dir,
	}, nil
}

// DiscardJob はジョブの作業ディレクトリを削除します。
func (s *Service) DiscardJob(jobID string) error {
	return s.store.Remove(jobID)
}

// SweepExpired は有効期限を過ぎた作業ディレクトリを削除します。
func (s *Service) SweepExpired() (int, error) {
	n, err := s.store.Sweep(s.now())
	if n > 0 {
		s.logger.Info("expired workspaces removed", zap.Int("count", n))
	}
	return n, err
}

