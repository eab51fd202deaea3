package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-burner/internal/keys"
	"github.com/yourusername/paper-burner/internal/ocr"
	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/remote"
	"github.com/yourusername/paper-burner/internal/translate"
)

type stubOCR struct {
	mu      sync.Mutex
	bad     map[string]bool
	uploads []string
}

func (s *stubOCR) Upload(_ context.Context, key, name string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, key)
	if s.bad[key] {
		return "", &remote.Error{Kind: remote.KindAuth, Op: "ocr upload", Status: 401}
	}
	return "id-" + name, nil
}

func (s *stubOCR) SignedURL(_ context.Context, _, id string) (string, error) {
	return "https://signed/" + id, nil
}

func (s *stubOCR) Process(_ context.Context, _, url string) (*ocr.Response, error) {
	return &ocr.Response{Pages: []ocr.Page{{Markdown: "# " + url}}}, nil
}

func (s *stubOCR) Delete(context.Context, string, string) error { return nil }

func newTestPipeline(o pipeline.OCRService) *pipeline.Pipeline {
	return pipeline.New(o, nil, nil, nil,
		pipeline.WithSettleDelay(0),
		pipeline.WithBackoff(func(int) time.Duration { return 0 }),
	)
}

func TestPipelineProcessorEndToEnd(t *testing.T) {
	o := &stubOCR{}
	ocrKeys, err := keys.NewPool("k1\nk2")
	require.NoError(t, err)

	var mu sync.Mutex
	var logs []string
	proc := PipelineProcessor{
		Pipeline:    newTestPipeline(o),
		Translation: translate.Config{Model: provider.None},
		OCRKeys:     ocrKeys,
		Log: func(m string) {
			mu.Lock()
			logs = append(logs, m)
			mu.Unlock()
		},
	}

	jobs := makeJobs("a.pdf", "b.pdf")
	s := NewScheduler(nil, nil, nil)
	summary, err := s.RunWith(context.Background(), proc, jobs, ocrKeys, nil, testOptions(), Hooks{})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, "# https://signed/id-a.pdf", jobs[0].Result.Markdown)
	assert.Equal(t, []string{"k1", "k2"}, o.uploads)
	assert.NotEmpty(t, logs)
}

func TestPipelineProcessorAllOCRKeysInvalid(t *testing.T) {
	o := &stubOCR{bad: map[string]bool{"k1": true, "k2": true}}
	ocrKeys, err := keys.NewPool("k1\nk2")
	require.NoError(t, err)

	proc := PipelineProcessor{
		Pipeline:    newTestPipeline(o),
		Translation: translate.Config{Model: provider.None},
		OCRKeys:     ocrKeys,
	}
	jobs := makeJobs("a.pdf")
	s := NewScheduler(nil, nil, nil)
	summary, err := s.RunWith(context.Background(), proc, jobs, ocrKeys, nil, testOptions(), Hooks{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.ErrorIs(t, jobs[0].Result.Err, pipeline.ErrAllOCRKeysInvalid)
	// 失効したキーは再試行でも使わない
	assert.Equal(t, []string{"k1", "k2"}, o.uploads)
}
