// Package export はバッチの成功結果を ZIP アーカイブにまとめます。
package export

import (
	"archive/zip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/ocr"
)

const (
	documentFilename    = "document.md"
	translationFilename = "translation.md"
	maxFolderRunes      = 100
)

// ErrNothingToExport は成功したジョブが1件もない場合のエラーです。
var ErrNothingToExport = errors.New("no successful results to export")

var unsafeFolderChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_",
)

// Entry はアーカイブに含める1ファイル分の結果です。
type Entry struct {
	Name        string
	Markdown    string
	Translation string
	Images      []ocr.ImageData
}

// EntriesFromJobs は成功したジョブだけを Entry に変換します。
func EntriesFromJobs(jobs []*batch.Job) []Entry {
	entries := make([]Entry, 0, len(jobs))
	for _, job := range jobs {
		if job == nil || job.Status != batch.StatusSuccess || job.Result.Failed() || job.Result.Markdown == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:        job.Name,
			Markdown:    job.Result.Markdown,
			Translation: job.Result.Translation,
			Images:      job.Result.Images,
		})
	}
	return entries
}

// Filename はアーカイブのファイル名です。
func Filename(now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	return "PaperBurner_Results_" + strings.NewReplacer(":", "-", ".", "-").Replace(ts) + ".zip"
}

// FolderName は元のファイル名からアーカイブ内のフォルダー名を作ります。
func FolderName(fileName string) string {
	name := fileName
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name = name[:len(name)-len(".pdf")]
	}
	name = unsafeFolderChars.Replace(name)
	if r := []rune(name); len(r) > maxFolderRunes {
		name = string(r[:maxFolderRunes])
	}
	if strings.TrimSpace(name) == "" {
		name = "document"
	}
	return name
}

// Archiver は Entry 群を ZIP に書き出します。
type Archiver struct {
	logger *zap.Logger
	now    func() time.Time
	onLog  func(string)
}

// Option は Archiver の設定です。
type Option func(*Archiver)

// WithLogger は zap ロガーを設定します。
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithClock は翻訳ヘッダーの日付に使う時計を設定します。
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// WithLogSink は利用者向けの進行ログの出力先を設定します。
func WithLogSink(sink func(string)) Option {
	return func(a *Archiver) { a.onLog = sink }
}

// NewArchiver は Archiver を作成します。
func NewArchiver(opts ...Option) *Archiver {
	a := &Archiver{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger)
	return a
}

// Write はアーカイブを w に書き出し、含めたファイル数を返します。
func (a *Archiver) Write(w io.Writer, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, ErrNothingToExport
	}

	zw := zip.NewWriter(w)
	now := a.now()
	used := make(map[string]bool, len(entries))
	added := 0

	for _, e := range entries {
		folder := uniqueFolder(used, FolderName(e.Name))

		if err := a.writeFile(zw, path.Join(folder, documentFilename), []byte(e.Markdown), now); err != nil {
			zw.Close()
			return added, err
		}
		if e.Translation != "" {
			body := translationHeader(now) + e.Translation + translationFooter
			if err := a.writeFile(zw, path.Join(folder, translationFilename), []byte(body), now); err != nil {
				zw.Close()
				return added, err
			}
		}
		for _, img := range e.Images {
			data, err := decodeImage(img.Data)
			if err != nil {
				a.logger.Warn("skipping undecodable image", zap.String("file", e.Name), zap.String("image", img.ID), zap.Error(err))
				a.log(fmt.Sprintf("警告: 画像 %s (%s) を書き出せないためスキップします: %v", img.ID, folder, err))
				continue
			}
			if err := a.writeFile(zw, path.Join(folder, ocr.ImagePath(img.ID)), data, now); err != nil {
				zw.Close()
				return added, err
			}
		}
		added++
	}

	if err := zw.Close(); err != nil {
		return added, fmt.Errorf("zipの書き込みの完了に失敗しました: %w", err)
	}
	a.log(fmt.Sprintf("%d 件の結果を ZIP にまとめました", added))
	return added, nil
}

// WriteFile はアーカイブを outputPath に作成します。
func (a *Archiver) WriteFile(outputPath string, entries []Entry) (int, error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	n, err := a.Write(outFile, entries)
	if cerr := outFile.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("zipファイルのクローズに失敗しました: %w", cerr)
	}
	if err != nil {
		os.Remove(outputPath)
		return n, err
	}
	return n, nil
}

func (a *Archiver) writeFile(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	}
	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
	}
	return nil
}

func (a *Archiver) log(message string) {
	if a.onLog != nil {
		a.onLog(message)
	}
}

func uniqueFolder(used map[string]bool, name string) string {
	candidate := name
	for n := 2; used[candidate]; n++ {
		candidate = name + "_" + strconv.Itoa(n)
	}
	used[candidate] = true
	return candidate
}

func decodeImage(data string) ([]byte, error) {
	if i := strings.IndexByte(data, ','); i >= 0 {
		data = data[i+1:]
	}
	if data == "" {
		return nil, errors.New("image data is empty")
	}
	return base64.StdEncoding.DecodeString(data)
}

func translationHeader(now time.Time) string {
	return "> *本ドキュメントは Paper Burner で作成されました (" + now.Format("2006-01-02") +
		")。内容は AI 大規模言語モデルによる翻訳であり、正確性と完全性は保証されません。*\n\n"
}

const translationFooter = "\n\n---\n> *免責事項: 本ドキュメントの内容は大規模言語モデルの API による自動翻訳です。" +
	"Paper Burner は翻訳内容の正確性、完全性および適法性について責任を負いません。*"
