package auth

import (
	"sync"
	"time"
)

const (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

type failures struct {
	count       int
	since       time.Time
	lockedUntil time.Time
}

// lockout は IP ごとのログイン失敗を数え、loginWindow 内に maxLoginAttempts 回失敗した
// IP を lockDuration の間締め出します。
type lockout struct {
	mu   sync.Mutex
	now  func() time.Time
	byIP map[string]*failures
}

func newLockout() *lockout {
	return &lockout{now: time.Now, byIP: make(map[string]*failures)}
}

// retryAfter は締め出し中なら残り時間を、そうでなければ 0 を返します。
func (l *lockout) retryAfter(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.byIP[ip]
	if !ok {
		return 0
	}
	return max(f.lockedUntil.Sub(l.now()), 0)
}

// fail は失敗を記録し、締め出しまでに残っている試行回数を返します。
func (l *lockout) fail(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	f, ok := l.byIP[ip]
	if !ok || now.Sub(f.since) > loginWindow {
		f = &failures{since: now}
		l.byIP[ip] = f
	}
	f.count = min(f.count+1, maxLoginAttempts)
	if f.count == maxLoginAttempts {
		f.lockedUntil = now.Add(lockDuration)
	}
	return maxLoginAttempts - f.count
}

func (l *lockout) clear(ip string) {
	l.mu.Lock()
	delete(l.byIP, ip)
	l.mu.Unlock()
}
