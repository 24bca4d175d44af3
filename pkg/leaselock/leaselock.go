// Package leaselock provides expiring, renewable locks stored in the
// Postgres app_locks table. A lease that cannot be renewed is lost and its
// context is canceled with ErrLost as cause.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

// Querier is the subset of *pgxpool.Pool used by the lock client.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options controls lease timing. Zero values take defaults.
type Options struct {
	TTL        time.Duration // default 5m
	RenewEvery time.Duration // default TTL/2

	// Wait makes Acquire poll until the lock is free instead of failing
	// with ErrBusy.
	Wait         bool
	WaitInterval time.Duration // default 250ms
	WaitJitter   time.Duration

	TokenPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = o.TTL / 2
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	if o.WaitJitter < 0 {
		o.WaitJitter = 0
	}
	return o
}

// Client hands out leases.
type Client struct {
	db   Querier
	opts Options
}

func New(db Querier, opts Options) *Client {
	return &Client{db: db, opts: opts.withDefaults()}
}

// Lease is a held lock. Its context ends when the lease is released or
// lost.
type Lease struct {
	Key   string
	Token string

	ctx    context.Context
	cancel context.CancelCauseFunc
	client *Client

	stopOnce sync.Once
	stop     chan struct{}
	renewing sync.WaitGroup
}

// Context returns the context bound to the lease lifetime.
func (l *Lease) Context() context.Context { return l.ctx }

// WithLease runs fn while holding key. If the lease is lost while fn runs,
// fn's context is canceled and WithLease reports ErrLost.
func (c *Client) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	fnErr := fn(lease.ctx)
	lost := errors.Is(context.Cause(lease.ctx), ErrLost)

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	relErr := lease.Release(relCtx)

	switch {
	case fnErr != nil && lost:
		return fmt.Errorf("%w: %w", ErrLost, fnErr)
	case fnErr != nil:
		return fnErr
	case lost:
		return ErrLost
	default:
		return relErr
	}
}

// Acquire takes key or fails with ErrBusy, polling first when Wait is set.
func (c *Client) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	tok, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lease token: %w", err)
	}
	token := c.opts.TokenPrefix + tok
	ttlMs := c.opts.TTL.Milliseconds()

	for {
		ok, err := c.tryAcquire(ctx, key, token, ttlMs)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		if !c.opts.Wait {
			return nil, ErrBusy
		}
		if err := sleep(ctx, c.opts.WaitInterval, c.opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:    key,
		Token:  token,
		ctx:    leaseCtx,
		cancel: cancel,
		client: c,
		stop:   make(chan struct{}),
	}
	l.renewing.Add(1)
	go l.renewLoop(ttlMs)
	return l, nil
}

func (c *Client) tryAcquire(ctx context.Context, key, token string, ttlMs int64) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, tryAcquireSQL, key, token, ttlMs).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got != "", nil
}

// Release stops renewal and deletes the lock row if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.renewing.Wait()
		l.cancel(context.Canceled)
	})
	if _, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.Token); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.Key, err)
	}
	return nil
}

func (l *Lease) renewLoop(ttlMs int64) {
	defer l.renewing.Done()
	t := time.NewTicker(l.client.opts.RenewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renew(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

// renew extends the lease, retrying transient errors twice. A missing row
// means another holder took over after expiry.
func (l *Lease) renew(ttlMs int64) error {
	var lastErr error
	for range 3 {
		ctx, cancel := context.WithTimeout(l.ctx, 15*time.Second)
		var got string
		err := l.client.db.QueryRow(ctx, renewSQL, l.Key, l.Token, ttlMs).Scan(&got)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		lastErr = err
		if err := sleep(l.ctx, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrLost, lastErr)
}

func sleep(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
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

const tryAcquireSQL = `
INSERT INTO app_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE app_locks.expires_at < now()
   OR app_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key;
`

const renewSQL = `
UPDATE app_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM app_locks
WHERE lock_key = $1 AND locked_by = $2;
`
