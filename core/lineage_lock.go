package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	defaultRefreshLockTTL      = 30 * time.Second
	defaultRefreshLockAttempts = 5
	defaultLockInitialBackoff  = 100 * time.Millisecond
	defaultLockMaxBackoff      = 2 * time.Second
)

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultLockInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultLockMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// acquireWithBackoff retries a held lineage lock a bounded number of times.
func acquireWithBackoff(
	ctx context.Context,
	locker LineageLocker,
	scheduler BackoffScheduler,
	lineage string,
	ttl time.Duration,
	attempts int,
) (LockHandle, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := locker.Acquire(ctx, lineage, ttl)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := defaultLockInitialBackoff
		if scheduler != nil {
			delay = scheduler.NextDelay(attempt)
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type MemoryLineageLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	nowFn func() time.Time
}

func NewMemoryLineageLocker() *MemoryLineageLocker {
	return &MemoryLineageLocker{
		locks: make(map[string]time.Time),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLineageLocker) Acquire(_ context.Context, lineage string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: lineage locker is not configured")
	}
	lineage = strings.TrimSpace(lineage)
	if lineage == "" {
		return nil, fmt.Errorf("core: lineage is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = defaultRefreshLockTTL
	}

	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.locks[lineage]; ok && now.Before(until) {
		return nil, fmt.Errorf("core: refresh lock already held for lineage %q", lineage)
	}
	l.locks[lineage] = now.Add(ttl)
	return &memoryLockHandle{locker: l, lineage: lineage}, nil
}

type memoryLockHandle struct {
	locker  *MemoryLineageLocker
	lineage string
	once    sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.locks, h.lineage)
		h.locker.mu.Unlock()
	})
	return nil
}

var _ LineageLocker = (*MemoryLineageLocker)(nil)

// lineageWriter runs metadata read-modify-write cycles under the lineage lock.
type lineageWriter struct {
	locker   LineageLocker
	backoff  BackoffScheduler
	ttl      time.Duration
	attempts int
}

func (w *lineageWriter) withLock(ctx context.Context, lineage string, fn func(ctx context.Context) error) error {
	if w == nil || w.locker == nil || strings.TrimSpace(lineage) == "" {
		return fn(ctx)
	}
	handle, err := acquireWithBackoff(ctx, w.locker, w.backoff, lineage, w.ttl, w.attempts)
	if err != nil {
		return wrapServiceError(err, goerrors.CategoryConflict, ErrorRefreshLocked, "core: lineage lock unavailable")
	}
	defer func() {
		_ = handle.Unlock(ctx)
	}()
	return fn(ctx)
}
