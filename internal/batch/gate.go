package batch

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate は翻訳呼び出しの同時実行数を制限するカウンティングセマフォです。
// 待機者には先着順でスロットが渡され、待機中にポーリングはしません。
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewGate は容量 capacity のゲートを作成します。1 未満は 1 として扱います。
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

// Acquire はスロットが空くまで待ちます。ctx が終了した場合はスロットを確保せずに戻ります。
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire は待たずにスロットの確保を試みます。
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release はスロットを返却します。
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Capacity はゲートの容量です。
func (g *Gate) Capacity() int {
	return g.capacity
}
