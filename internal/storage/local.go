// Package storage はジョブごとの作業ディレクトリをローカルディスク上に管理します。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidID はジョブ ID の形式が正しくない場合のエラーです。
var ErrInvalidID = errors.New("invalid job id")

// Workspace は1ジョブ分の作業ディレクトリです。
//
//	<root>/<jobID>/in   アップロードされた入力
//	<root>/<jobID>/out  成果物
type Workspace struct {
	ID     string
	Dir    string
	InDir  string
	OutDir string
}

// Local はローカルファイルシステム上の作業ディレクトリ置き場です。
type Local struct {
	root string
	ttl  time.Duration
}

// NewLocal は root 配下を使う Local を作成します。ttl は Sweep で使う有効期限です。
func NewLocal(root string, ttl time.Duration) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root, ttl: ttl}, nil
}

// Root は作業ディレクトリの置き場所です。
func (l *Local) Root() string {
	return l.root
}

// Create は新しいジョブ ID で作業ディレクトリを作成します。
func (l *Local) Create() (Workspace, error) {
	ws := l.workspace(uuid.NewString())
	for _, dir := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = os.RemoveAll(ws.Dir)
			return Workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

// Open は既存の作業ディレクトリを返します。存在しない場合は fs.ErrNotExist を包んだエラーです。
func (l *Local) Open(id string) (Workspace, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Workspace{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	ws := l.workspace(id)
	if _, err := os.Stat(ws.Dir); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// Remove は作業ディレクトリを削除します。存在しなくてもエラーにしません。
func (l *Local) Remove(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return RemoveDir(l.workspace(id).Dir)
}

// Sweep は有効期限を過ぎた作業ディレクトリを削除し、削除した数を返します。
func (l *Local) Sweep(now time.Time) (int, error) {
	if l.ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < l.ttl {
			continue
		}
		if err := RemoveDir(filepath.Join(l.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (l *Local) workspace(id string) Workspace {
	dir := filepath.Join(l.root, id)
	return Workspace{
		ID:     id,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
}

// RemoveDir はディレクトリを丸ごと削除します。空のパスは無視します。
func RemoveDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
