package pdf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/paper-burner/internal/batch"
)

func toJobFiles(stored []storedFile) []JobFile {
	files := make([]JobFile, len(stored))
	for i, sf := range stored {
		files[i] = JobFile{
			StoredName:   filepath.Base(sf.path),
			OriginalName: sf.originalName,
			Size:         sf.size,
			Pages:        sf.pages,
		}
	}
	return files
}

// loadBatchJobs は manifest の入力ファイルを読み込んでバッチのジョブにします。
func loadBatchJobs(inDir string, manifest *JobManifest) ([]*batch.Job, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is nil")
	}
	jobs := make([]*batch.Job, 0, len(manifest.Files))
	for i, f := range manifest.Files {
		content, err := os.ReadFile(filepath.Join(inDir, f.StoredName))
		if err != nil {
			return nil, fmt.Errorf("入力ファイルの読み込みに失敗しました (%s): %w", f.OriginalName, err)
		}
		jobs = append(jobs, batch.NewJob(i, f.OriginalName, content))
	}
	return jobs, nil
}
