// Package batch は複数ファイルの処理を2段階の同時実行制御のもとでスケジュールします。
package batch

import (
	"fmt"

	"github.com/yourusername/paper-burner/internal/pipeline"
)

// Status はジョブの状態です。
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Job はバッチ内の1ファイルです。状態と再試行回数はスケジューラーだけが更新します。
type Job struct {
	Index   int
	Name    string
	Size    int64
	Content []byte

	Status Status
	// Retries は待ち行列に戻された回数で、MaxRetries を超えない
	Retries int
	Result  pipeline.Result
}

// NewJob はファイル名と内容から Job を作成します。
func NewJob(index int, name string, content []byte) *Job {
	return &Job{
		Index:   index,
		Name:    name,
		Size:    int64(len(content)),
		Content: content,
		Status:  StatusPending,
	}
}

// Identifier は処理済み記録で使う識別子（ファイル名_サイズ）です。
func (j *Job) Identifier() string {
	return Identifier(j.Name, j.Size)
}

// Identifier はファイル名とサイズから識別子を作ります。
func Identifier(name string, size int64) string {
	return fmt.Sprintf("%s_%d", name, size)
}

// Attempt は1回分の処理依頼です。ワーカーは Job 本体に触れずにこれだけを使います。
type Attempt struct {
	Index          int
	Name           string
	Content        []byte
	Retry          int
	OCRKey         string
	TranslationKey string
	Slots          pipeline.Slots
}

// Summary はバッチ全体の集計です。
type Summary struct {
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Progress は進捗通知の内容です。
type Progress struct {
	Summary
	Finished int `json:"finished"`
	Active   int `json:"active"`
}

// Percent は完了したジョブの割合です。
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return p.Finished * 100 / p.Total
}
