package pdf

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// OpenResultFile はジョブIDに対応する成果物ファイルを開き、Result 情報とファイルハンドルを返します。
// 成果物がまだない場合は fs.ErrNotExist を包んだエラーを返します。
func (s *Service) OpenResultFile(jobID string) (*Result, *os.File, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, nil, fmt.Errorf("jobID is required")
	}

	ws, err := s.store.Open(jobID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(ws.OutDir)
	if err != nil {
		return nil, nil, err
	}

	var filename string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".zip") {
			filename = e.Name()
			break
		}
	}
	if filename == "" {
		return nil, nil, fmt.Errorf("result for job %s: %w", jobID, fs.ErrNotExist)
	}

	outputPath := filepath.Join(ws.OutDir, filename)
	file, err := os.Open(outputPath)
	if err != nil {
		return nil, nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	result := &Result{
		JobID:          jobID,
		OutputPath:     outputPath,
		OutputFilename: filename,
		OutputSize:     info.Size(),
		jobDir:         ws.Dir,
	}

	return result, file, nil
}
