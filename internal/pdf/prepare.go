package pdf

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/keys"
	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/settings"
	"github.com/yourusername/paper-burner/internal/storage"
)

// BatchRequest はバッチの投入内容です。キーは改行区切りのテキストです。
type BatchRequest struct {
	OCRKeys         string
	TranslationKeys string
	Settings        settings.Settings
}

// Validate はファイルを保存する前に確認できる項目を検証します。
func (r BatchRequest) Validate() error {
	if _, err := keys.NewPool(r.OCRKeys); err != nil {
		return newError(CodeMissingCredentials, "OCR API キーを1つ以上入力してください。", err)
	}
	model := r.Settings.TranslationModel
	if model == "" || model == provider.None {
		return nil
	}
	if _, err := keys.NewPool(r.TranslationKeys); err != nil {
		return newError(CodeMissingCredentials, "翻訳 API キーを1つ以上入力してください。", err)
	}
	custom := r.Settings.CustomModel
	if err := provider.Validate(model, &custom); err != nil {
		switch {
		case errors.Is(err, provider.ErrIncompleteCustomConfig):
			return newError(CodeInvalidInput, "カスタムモデルの API エンドポイントとモデル ID を入力してください。", err)
		case errors.Is(err, provider.ErrUnsupportedFormat):
			return newError(CodeInvalidInput, "カスタムモデルのリクエスト形式が不正です。", err)
		default:
			return newError(CodeInvalidInput, fmt.Sprintf("翻訳モデル %q には対応していません。", model), err)
		}
	}
	return nil
}

// PrepareBatchJob はアップロードを検証して作業ディレクトリに保存し、マニフェストを作ります。
// PDF 以外のファイルと、同じ名前・サイズのファイルの2件目以降は無視します。
func (s *Service) PrepareBatchJob(ctx context.Context, files []*multipart.FileHeader, req BatchRequest) (_ *JobManifest, err error) {
	if len(files) == 0 {
		return nil, newError(CodeInvalidInput, "PDF ファイルを選択してください。", nil)
	}
	if s.cfg.MaxFiles > 0 && len(files) > s.cfg.MaxFiles {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("一度に処理できるファイルは %d 件までです。", s.cfg.MaxFiles), nil)
	}
	req.Settings = req.Settings.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ws, err := s.store.Create()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = storage.RemoveDir(ws.Dir)
		}
	}()

	var (
		stored  []storedFile
		ignored []string
		seen    = make(map[string]bool, len(files))
	)
	for _, fh := range files {
		if fh == nil {
			continue
		}
		id := batch.Identifier(fh.Filename, fh.Size)
		if seen[id] {
			ignored = append(ignored, fh.Filename)
			continue
		}
		sf, err := s.storeMultipartFile(ctx, fh, ws.InDir, len(stored))
		if errors.Is(err, errNotPDF) {
			s.logger.Info("ignoring non-pdf upload", zap.String("file", fh.Filename))
			ignored = append(ignored, fh.Filename)
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[id] = true
		stored = append(stored, sf)
	}
	if len(stored) == 0 {
		return nil, newError(CodeInvalidInput, "処理できる PDF ファイルがありません。", nil)
	}

	manifest := &JobManifest{
		JobID:           ws.ID,
		Files:           toJobFiles(stored),
		Ignored:         ignored,
		Settings:        req.Settings,
		OCRKeys:         req.OCRKeys,
		TranslationKeys: req.TranslationKeys,
		CreatedAt:       s.now().UTC(),
	}
	if err := writeManifest(ws.Dir, manifest); err != nil {
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}
	s.logger.Info("batch job prepared",
		zap.String("jobId", ws.ID),
		zap.Int("files", len(stored)),
		zap.Int("ignored", len(ignored)),
	)
	return manifest, nil
}
