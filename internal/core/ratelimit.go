package core

import (
	"sync"
	"time"
)

// logLimiter suppresses repeats of the same (key, kind) log line inside a
// window so a flapping device cannot flood the logs.
type logLimiter struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newLogLimiter(window time.Duration) *logLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &logLimiter{window: window, seen: make(map[string]time.Time)}
}

// allow reports whether the line for key should be emitted now.
func (l *logLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.seen[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.seen[key] = now

	if len(l.seen) > 1024 {
		for k, t := range l.seen {
			if now.Sub(t) >= l.window {
				delete(l.seen, k)
			}
		}
	}
	return true
}
