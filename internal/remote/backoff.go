package remote

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	BaseDelay = 500 * time.Millisecond
	MaxDelay  = 30 * time.Second

	jitterPercent = 10
	// 8 回目以降は揺らぎを加えても常に MaxDelay になる
	maxCountedAttempt = 8
)

// NewBackoff は BaseDelay から倍々に伸び、±10% の揺らぎを持ち、MaxDelay で頭打ちになる
// 待ち時間の列を返します。
func NewBackoff() retry.Backoff {
	b := retry.NewExponential(BaseDelay)
	b = retry.WithJitterPercent(jitterPercent, b)
	return retry.WithCappedDuration(MaxDelay, b)
}

// Delay は attempt 回目（1 始まり）の失敗後に待つ時間を返します。
func Delay(attempt int) time.Duration {
	attempt = min(max(attempt, 1), maxCountedAttempt)
	b := NewBackoff()
	var d time.Duration
	for range attempt {
		d, _ = b.Next()
	}
	return d
}

// Sleep は d だけ待ちます。ctx が先に終了した場合はその理由を返します。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
