package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultProcessedKey = "processed:files"

// ProcessedRecord は処理済みファイルの識別子を Redis のハッシュに保存します。
// MarkProcessed はメモリに溜めるだけで、Persist でまとめて書き込みます。
type ProcessedRecord struct {
	rdb *redis.Client
	key string
	now func() time.Time

	mu      sync.Mutex
	pending []string
}

// NewProcessedRecord は ProcessedRecord を作成します。key が空の場合は既定のキーです。
func NewProcessedRecord(rdb *redis.Client, key string) *ProcessedRecord {
	if key == "" {
		key = defaultProcessedKey
	}
	return &ProcessedRecord{
		rdb: rdb,
		key: key,
		now: time.Now,
	}
}

func (r *ProcessedRecord) IsProcessed(ctx context.Context, identifier string) (bool, error) {
	return r.rdb.HExists(ctx, r.key, identifier).Result()
}

func (r *ProcessedRecord) MarkProcessed(identifier string) {
	r.mu.Lock()
	r.pending = append(r.pending, identifier)
	r.mu.Unlock()
}

// Persist は溜めた識別子を書き込みます。失敗した場合は次回に持ち越します。
func (r *ProcessedRecord) Persist(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	values := make(map[string]any, len(pending))
	stamp := r.now().Unix()
	for _, id := range pending {
		values[id] = stamp
	}
	if err := r.rdb.HSet(ctx, r.key, values).Err(); err != nil {
		r.mu.Lock()
		r.pending = append(pending, r.pending...)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Pending は未保存の識別子の数です。
func (r *ProcessedRecord) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
