package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlease/internal/metrics"
	"github.com/mistakeknot/interlease/internal/storage"
)

// Resilient wraps a storage.Driver with a CircuitBreaker and retry on
// "database is locked". While the breaker is open every call fails with
// ErrCircuitOpen, which matches core.ErrStoreUnavailable.
type Resilient struct {
	inner storage.Driver
	cb    *CircuitBreaker
	retry RetryConfig
}

var _ storage.Driver = (*Resilient)(nil)

// ResilientOption configures NewResilient.
type ResilientOption func(*Resilient)

func WithBreaker(cb *CircuitBreaker) ResilientOption {
	return func(r *Resilient) { r.cb = cb }
}

func WithRetry(cfg RetryConfig) ResilientOption {
	return func(r *Resilient) { r.retry = cfg }
}

// NewResilient uses a breaker with threshold 5 and a 30s reset timeout unless
// overridden.
func NewResilient(inner storage.Driver, log *slog.Logger, opts ...ResilientOption) *Resilient {
	if log == nil {
		log = slog.Default()
	}
	r := &Resilient{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second), retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(r)
	}
	r.cb.OnStateChange(func(from, to BreakerState) {
		if to == StateOpen {
			metrics.BreakerOpen()
		}
		log.Warn("store circuit breaker", "from", from.String(), "to", to.String())
	})
	return r
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (r *Resilient) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *Resilient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, r.retry, fn)
	})
}

func (r *Resilient) Begin(ctx context.Context, writable bool) (storage.DriverTx, error) {
	var tx storage.DriverTx
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		tx, err = r.inner.Begin(ctx, writable)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resilientTx{r: r, inner: tx}, nil
}

func (r *Resilient) Close() error {
	return r.inner.Close()
}

type resilientTx struct {
	r     *Resilient
	inner storage.DriverTx
}

func (t *resilientTx) Meta(ctx context.Context) (storage.Meta, error) {
	var m storage.Meta
	err := t.r.do(ctx, func(ctx context.Context) error {
		var err error
		m, err = t.inner.Meta(ctx)
		return err
	})
	return m, err
}

func (t *resilientTx) SetMeta(ctx context.Context, m storage.Meta) error {
	return t.r.do(ctx, func(ctx context.Context) error { return t.inner.SetMeta(ctx, m) })
}

func (t *resilientTx) Get(ctx context.Context, collection, key string) (storage.Record, bool, error) {
	var (
		rec storage.Record
		ok  bool
	)
	err := t.r.do(ctx, func(ctx context.Context) error {
		var err error
		rec, ok, err = t.inner.Get(ctx, collection, key)
		return err
	})
	return rec, ok, err
}

func (t *resilientTx) Put(ctx context.Context, collection, key string, rec storage.Record) error {
	return t.r.do(ctx, func(ctx context.Context) error { return t.inner.Put(ctx, collection, key, rec) })
}

func (t *resilientTx) Delete(ctx context.Context, collection, key string) error {
	return t.r.do(ctx, func(ctx context.Context) error { return t.inner.Delete(ctx, collection, key) })
}

func (t *resilientTx) Scan(ctx context.Context, collection, after string, limit int) ([]storage.Entry, error) {
	var out []storage.Entry
	err := t.r.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = t.inner.Scan(ctx, collection, after, limit)
		return err
	})
	return out, err
}

func (t *resilientTx) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := t.r.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = t.inner.Count(ctx, collection)
		return err
	})
	return n, err
}

func (t *resilientTx) AddIndexEntry(ctx context.Context, collection, index, value, key string) error {
	return t.r.do(ctx, func(ctx context.Context) error {
		return t.inner.AddIndexEntry(ctx, collection, index, value, key)
	})
}

func (t *resilientTx) RemoveIndexEntry(ctx context.Context, collection, index, value, key string) error {
	return t.r.do(ctx, func(ctx context.Context) error {
		return t.inner.RemoveIndexEntry(ctx, collection, index, value, key)
	})
}

func (t *resilientTx) LookupIndex(ctx context.Context, collection, index, value string) ([]string, error) {
	var keys []string
	err := t.r.do(ctx, func(ctx context.Context) error {
		var err error
		keys, err = t.inner.LookupIndex(ctx, collection, index, value)
		return err
	})
	return keys, err
}

func (t *resilientTx) DropIndex(ctx context.Context, collection, index string) error {
	return t.r.do(ctx, func(ctx context.Context) error { return t.inner.DropIndex(ctx, collection, index) })
}

func (t *resilientTx) DropCollection(ctx context.Context, collection string) error {
	return t.r.do(ctx, func(ctx context.Context) error { return t.inner.DropCollection(ctx, collection) })
}

// Commit is not retried: the inner transaction is finished after the first attempt.
func (t *resilientTx) Commit() error {
	return t.r.cb.Execute(t.inner.Commit)
}

// Rollback bypasses the breaker so an open circuit never strands a transaction.
func (t *resilientTx) Rollback() error {
	return t.inner.Rollback()
}
