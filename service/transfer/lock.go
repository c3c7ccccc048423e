package transfer

import (
	"context"
	"sync"
)

// SessionLocker serializes transfers per caller session. TryLock returns an
// error wrapping ErrSessionBusy when the session already has a transfer in
// flight; otherwise it returns the function that releases the session.
type SessionLocker interface {
	TryLock(ctx context.Context, session string) (unlock func(), err error)
}

// MemoryLocker is a process-local SessionLocker.
type MemoryLocker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{active: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, session string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.active[session]; busy {
		return nil, ErrSessionBusy
	}
	l.active[session] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, session)
			l.mu.Unlock()
		})
	}, nil
}
