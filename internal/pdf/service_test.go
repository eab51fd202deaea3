package pdf

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/ocr"
	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/settings"
	"github.com/yourusername/paper-burner/internal/storage"
)

type fakeOCR struct {
	mu      sync.Mutex
	deleted int
}

func (f *fakeOCR) Upload(_ context.Context, _, name string, _ []byte) (string, error) {
	return "file-" + name, nil
}

func (f *fakeOCR) SignedURL(_ context.Context, _, id string) (string, error) {
	return "https://signed/" + id, nil
}

func (f *fakeOCR) Process(_ context.Context, _, url string) (*ocr.Response, error) {
	return &ocr.Response{Pages: []ocr.Page{{Markdown: "本文 " + url}}}, nil
}

func (f *fakeOCR) Delete(context.Context, string, string) error {
	f.mu.Lock()
	f.deleted++
	f.mu.Unlock()
	return nil
}

// minimalPDF は1ページだけの最小構成の PDF を返します。
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

type upload struct {
	name    string
	content []byte
}

func fileHeaders(t *testing.T, uploads ...upload) []*multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, u := range uploads {
		w, err := writer.CreateFormFile("files[]", u.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := w.Write(u.content); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("failed to read form: %v", err)
	}
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["files[]"]
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeOCR) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	o := &fakeOCR{}
	p := pipeline.New(o, nil, nil, nil,
		pipeline.WithSettleDelay(0),
		pipeline.WithBackoff(func(int) time.Duration { return 0 }),
	)
	svc, err := NewService(cfg, store, p, batch.NewMemoryRecord(), nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, o
}

func validRequest() BatchRequest {
	return BatchRequest{OCRKeys: "ocr-key-1\nocr-key-2", Settings: settings.Default()}
}

func TestPrepareBatchJobIgnoresDuplicatesAndNonPDF(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	pdf := minimalPDF()
	files := fileHeaders(t,
		upload{"a.pdf", pdf},
		upload{"a.pdf", pdf},
		upload{"notes.txt", []byte("hello")},
		upload{"b.pdf", pdf},
	)

	manifest, err := svc.PrepareBatchJob(context.Background(), files, validRequest())
	if err != nil {
		t.Fatalf("PrepareBatchJob returned error: %v", err)
	}
	if len(manifest.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(manifest.Files))
	}
	if manifest.Files[0].Pages != 1 || manifest.Files[1].OriginalName != "b.pdf" {
		t.Fatalf("unexpected files: %+v", manifest.Files)
	}
	if strings.Join(manifest.Ignored, ",") != "a.pdf,notes.txt" {
		t.Fatalf("unexpected ignored files: %v", manifest.Ignored)
	}
}

func TestPrepareBatchJobValidation(t *testing.T) {
	pdf := minimalPDF()

	tests := []struct {
		name string
		cfg  Config
		req  func() BatchRequest
		code string
	}{
		{
			name: "missing ocr keys",
			req: func() BatchRequest {
				r := validRequest()
				r.OCRKeys = " \n "
				return r
			},
			code: CodeMissingCredentials,
		},
		{
			name: "missing translation keys",
			req: func() BatchRequest {
				r := validRequest()
				r.Settings.TranslationModel = "deepseek"
				return r
			},
			code: CodeMissingCredentials,
		},
		{
			name: "incomplete custom model",
			req: func() BatchRequest {
				r := validRequest()
				r.TranslationKeys = "tr"
				r.Settings.TranslationModel = provider.Custom
				return r
			},
			code: CodeInvalidInput,
		},
		{
			name: "too many files",
			cfg:  Config{MaxFiles: 1},
			req:  validRequest,
			code: CodeLimitExceeded,
		},
		{
			name: "file too large",
			cfg:  Config{MaxFileSize: 10},
			req:  validRequest,
			code: CodeLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, tt.cfg)
			files := fileHeaders(t, upload{"a.pdf", pdf}, upload{"b.pdf", pdf})
			_, err := svc.PrepareBatchJob(context.Background(), files, tt.req())
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if apiErr.Code != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, apiErr.Code)
			}
			entries, _ := os.ReadDir(svc.store.Root())
			if len(entries) != 0 {
				t.Fatalf("workspace left behind: %d entries", len(entries))
			}
		})
	}
}

func TestPrepareBatchJobNoPDF(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	files := fileHeaders(t, upload{"notes.txt", []byte("plain text")})

	_, err := svc.PrepareBatchJob(context.Background(), files, validRequest())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestRunJobProducesArchive(t *testing.T) {
	svc, o := newTestService(t, Config{})
	pdf := minimalPDF()
	files := fileHeaders(t, upload{"first.pdf", pdf}, upload{"second.pdf", pdf})

	manifest, err := svc.PrepareBatchJob(context.Background(), files, validRequest())
	if err != nil {
		t.Fatalf("PrepareBatchJob returned error: %v", err)
	}

	var (
		mu     sync.Mutex
		stages []string
		logs   []string
	)
	result, err := svc.RunJob(context.Background(), manifest.JobID, RunHooks{
		Progress: func(stage string, percent int) {
			mu.Lock()
			stages = append(stages, fmt.Sprintf("%s:%d", stage, percent))
			mu.Unlock()
		},
		Log: func(m string) {
			mu.Lock()
			logs = append(logs, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("RunJob returned error: %v", err)
	}
	defer result.Cleanup()

	if result.Meta.Summary.Success != 2 || result.Meta.Summary.Total != 2 {
		t.Fatalf("unexpected summary: %+v", result.Meta.Summary)
	}
	if !strings.HasPrefix(result.OutputFilename, "PaperBurner_Results_") {
		t.Fatalf("unexpected filename: %s", result.OutputFilename)
	}
	if stages[len(stages)-1] != "completed:100" {
		t.Fatalf("unexpected final stage: %v", stages)
	}
	if len(logs) == 0 {
		t.Fatalf("expected progress logs")
	}
	if o.deleted != 2 {
		t.Fatalf("expected uploaded files to be deleted, got %d", o.deleted)
	}

	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["first/document.md"] || !names["second/document.md"] {
		t.Fatalf("unexpected archive entries: %v", names)
	}
	rc, err := zr.Open("first/document.md")
	if err != nil {
		t.Fatalf("failed to open document: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(body), "https://signed/file-first.pdf") {
		t.Fatalf("unexpected markdown: %s", body)
	}

	opened, file, err := svc.OpenResultFile(manifest.JobID)
	if err != nil {
		t.Fatalf("OpenResultFile returned error: %v", err)
	}
	file.Close()
	if opened.OutputSize != result.OutputSize {
		t.Fatalf("unexpected size: %d", opened.OutputSize)
	}

	if err := result.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, _, err := svc.OpenResultFile(manifest.JobID); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected workspace to be removed, got %v", err)
	}
}

func TestRunJobUnknownWorkspace(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	if _, err := svc.RunJob(context.Background(), "00000000-0000-0000-0000-000000000000", RunHooks{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}
