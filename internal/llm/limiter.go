package llm

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds calls to the completion service: a fixed number of
// in-flight calls, a minimum spacing between call starts, and a
// rolling per-window quota. One Limiter is shared by every session
// using the same credential.
type Limiter struct {
	sem         chan struct{}
	minInterval time.Duration
	window      time.Duration
	reservoir   int

	mu          sync.Mutex
	tokens      int
	windowStart time.Time
	last        time.Time
}

// NewLimiter mirrors the production quota: maxConcurrent in flight,
// minInterval between starts, reservoir calls per window.
func NewLimiter(maxConcurrent int, minInterval time.Duration, reservoir int, window time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if reservoir < 1 {
		reservoir = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		sem:         make(chan struct{}, maxConcurrent),
		minInterval: minInterval,
		window:      window,
		reservoir:   reservoir,
		tokens:      reservoir,
		windowStart: time.Now(),
	}
}

// DefaultLimiter allows one call in flight, 200ms spacing, and 50
// calls per minute.
func DefaultLimiter() *Limiter {
	return NewLimiter(1, 200*time.Millisecond, 50, time.Minute)
}

// Acquire blocks until a call may start, or until ctx is done. Every
// successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.tokens = l.reservoir
		}
		var wait time.Duration
		if l.tokens <= 0 {
			wait = l.window - now.Sub(l.windowStart)
		} else if d := l.minInterval - now.Sub(l.last); d > 0 {
			wait = d
		}
		if wait <= 0 {
			l.tokens--
			l.last = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-l.sem
			return ctx.Err()
		}
	}
}

// Release frees the in-flight slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.sem
}
