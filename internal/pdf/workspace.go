package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const pdfMIME = "application/pdf"

// errNotPDF はアップロードされたファイルが PDF ではないことを表します。
var errNotPDF = errors.New("file is not a pdf")

type storedFile struct {
	path         string
	originalName string
	size         int64
	pages        int
}

// storeMultipartFile はアップロードされたファイルを dir に index 番号付きで保存します。
// 内容が PDF でなければ errNotPDF を返し、何も残しません。
func (s *Service) storeMultipartFile(ctx context.Context, fh *multipart.FileHeader, dir string, index int) (storedFile, error) {
	if err := ctx.Err(); err != nil {
		return storedFile{}, err
	}
	if s.cfg.MaxFileSize > 0 && fh.Size > s.cfg.MaxFileSize {
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("%s はファイルサイズの上限 (%d MB) を超えています。", fh.Filename, s.cfg.MaxFileSize>>20), nil)
	}

	src, err := fh.Open()
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルのオープンに失敗しました: %w", err)
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		return storedFile{}, fmt.Errorf("ファイル形式の判定に失敗しました: %w", err)
	}
	if !mtype.Is(pdfMIME) {
		return storedFile{}, errNotPDF
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの読み直しに失敗しました: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%03d.pdf", index))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return storedFile{}, fmt.Errorf("入力ファイルの保存に失敗しました: %w", err)
	}
	size, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return storedFile{}, fmt.Errorf("入力ファイルの保存に失敗しました: %w", errors.Join(copyErr, closeErr))
	}

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		_ = os.Remove(path)
		return storedFile{}, newError(CodeUnsupportedPDF, fmt.Sprintf("%s を PDF として読み込めませんでした。", fh.Filename), err)
	}

	return storedFile{
		path:         path,
		originalName: fh.Filename,
		size:         size,
		pages:        pages,
	}, nil
}
