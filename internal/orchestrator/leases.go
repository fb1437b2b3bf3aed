package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Lease keys.
func conversationKey(id string) string { return "conversation:" + id }
func planKey(id string) string         { return "plan:" + id }
func pathKey(p string) string          { return "path:" + p }

// Leases is an in-process registry of exclusive leases keyed by string.
// A conversation or plan is mutated only by the worker holding its lease.
type Leases struct {
	mu   sync.Mutex
	held map[string]*lease
}

type lease struct {
	holder     string
	acquiredAt time.Time
	released   chan struct{}
}

// NewLeases creates an empty lease registry.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]*lease)}
}

// Acquire blocks until key is free or ctx is done. The returned release
// function is safe to call more than once.
func (l *Leases) Acquire(ctx context.Context, key, holder string) (func(), error) {
	for {
		release, wait := l.tryAcquire(key, holder)
		if release != nil {
			return release, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire takes key if it is free.
func (l *Leases) TryAcquire(key, holder string) (func(), bool) {
	release, _ := l.tryAcquire(key, holder)
	return release, release != nil
}

// Holder returns who holds key, if anyone.
func (l *Leases) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held[key]
	if !ok {
		return "", false
	}
	return ls.holder, true
}

func (l *Leases) tryAcquire(key, holder string) (func(), <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.held[key]; ok {
		return nil, existing.released
	}

	ls := &lease{holder: holder, acquiredAt: time.Now(), released: make(chan struct{})}
	l.held[key] = ls

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == ls {
				delete(l.held, key)
			}
			l.mu.Unlock()
			close(ls.released)
		})
	}, nil
}
