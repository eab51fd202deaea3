package batch

import (
	"context"
	"sync"
)

// ProcessedRecord は過去に処理済みのファイルの記録です。
// MarkProcessed はバッファするだけで、Persist で保存されます。
type ProcessedRecord interface {
	IsProcessed(ctx context.Context, identifier string) (bool, error)
	MarkProcessed(identifier string)
	Persist(ctx context.Context) error
}

// MemoryRecord はメモリ上の ProcessedRecord です。
type MemoryRecord struct {
	mu        sync.Mutex
	persisted map[string]struct{}
	pending   map[string]struct{}
}

// NewMemoryRecord は既に処理済みの識別子を持つ MemoryRecord を作成します。
func NewMemoryRecord(identifiers ...string) *MemoryRecord {
	r := &MemoryRecord{
		persisted: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
	for _, id := range identifiers {
		r.persisted[id] = struct{}{}
	}
	return r
}

func (r *MemoryRecord) IsProcessed(_ context.Context, identifier string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.persisted[identifier]
	return ok, nil
}

func (r *MemoryRecord) MarkProcessed(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[identifier] = struct{}{}
}

func (r *MemoryRecord) Persist(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.pending {
		r.persisted[id] = struct{}{}
	}
	r.pending = make(map[string]struct{})
	return nil
}

// Len は保存済みの識別子の数です。
func (r *MemoryRecord) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persisted)
}
