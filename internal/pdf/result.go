package pdf

import (
	"sync"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/storage"
)

// FileOutcome は1ファイル分の処理結果の概要です。
type FileOutcome struct {
	Name         string       `json:"name"`
	Status       batch.Status `json:"status"`
	Retries      int          `json:"retries,omitempty"`
	Error        string       `json:"error,omitempty"`
	TotalChunks  int          `json:"totalChunks,omitempty"`
	FailedChunks int          `json:"failedChunks,omitempty"`
	Translated   bool         `json:"translated"`
}

// BatchMeta はジョブ完了時に返すメタデータです。
type BatchMeta struct {
	Summary batch.Summary `json:"summary"`
	Files   []FileOutcome `json:"files"`
	Ignored []string      `json:"ignored,omitempty"`
}

// Result はバッチジョブの成果物を表します。
type Result struct {
	JobID          string     `json:"jobId"`
	OutputPath     string     `json:"outputPath"`
	OutputFilename string     `json:"outputFilename"`
	OutputSize     int64      `json:"outputSize"`
	Meta           *BatchMeta `json:"meta,omitempty"`

	jobDir      string
	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup は作業ディレクトリを削除します。
func (r *Result) Cleanup() error {
	if r == nil {
		return nil
	}
	r.cleanupOnce.Do(func() {
		r.cleanupErr = storage.RemoveDir(r.jobDir)
	})
	return r.cleanupErr
}

func outcomes(jobs []*batch.Job) []FileOutcome {
	out := make([]FileOutcome, len(jobs))
	for i, j := range jobs {
		o := FileOutcome{
			Name:         j.Name,
			Status:       j.Status,
			TotalChunks:  j.Result.TotalChunks,
			FailedChunks: j.Result.FailedChunks,
			Translated:   j.Result.Translation != "",
		}
		if j.Status == batch.StatusFailed {
			o.Retries = j.Retries
		}
		if j.Result.Err != nil {
			o.Error = j.Result.Err.Error()
		}
		out[i] = o
	}
	return out
}
