package kb

import (
	"context"
	"sync"

	"github.com/OFFIS-RIT/kgraph/pkg/leaselock"
)

// Locker serializes work per knowledge base key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// LocalLocker serializes callers inside one process. Waiting honors ctx.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lk := l.ref(key)
	defer l.unref(key)

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lk.sem }()
	return fn(ctx)
}

func (l *LocalLocker) ref(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	return lk
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.locks[key]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// LeaseLocker serializes callers across processes through Postgres leases.
type LeaseLocker struct {
	client *leaselock.Client
}

func NewLeaseLocker(client *leaselock.Client) *LeaseLocker {
	return &LeaseLocker{client: client}
}

func (l *LeaseLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.client.WithLease(ctx, "kb:"+key, fn)
}
