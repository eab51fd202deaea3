package batch

import (
	"context"

	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/translate"
)

// PipelineProcessor はバッチの1試行を pipeline.Pipeline に渡す Processor です。
// Pipeline はバッチ間で共有し、キープールと翻訳設定はバッチごとに詰めます。
type PipelineProcessor struct {
	Pipeline        *pipeline.Pipeline
	Translation     translate.Config
	ChunkTokenLimit int
	OCRKeys         pipeline.KeySource
	TranslationKeys pipeline.KeySource
	Log             func(string)
}

func (p PipelineProcessor) Process(ctx context.Context, a Attempt) pipeline.Result {
	return p.Pipeline.Process(ctx, pipeline.Request{
		Label:           a.Name,
		Content:         a.Content,
		OCRKey:          a.OCRKey,
		TranslationKey:  a.TranslationKey,
		Translation:     p.Translation,
		ChunkTokenLimit: p.ChunkTokenLimit,
		Slots:           a.Slots,
		OCRKeys:         p.OCRKeys,
		TranslationKeys: p.TranslationKeys,
		Log:             p.Log,
	})
}
