package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const defaultLockPrefix = "/council/locks"

// Etcd is a Locker backed by etcd leases, for deployments running more
// than one engine replica against a shared store. Each acquisition
// opens its own lease-bound session so a crashed holder frees the lock
// when the lease expires.
type Etcd struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// EtcdOption configures the etcd locker.
type EtcdOption func(*Etcd)

// WithPrefix overrides the key prefix locks live under.
func WithPrefix(prefix string) EtcdOption {
	return func(e *Etcd) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// WithTTL sets the lease TTL in seconds.
func WithTTL(seconds int) EtcdOption {
	return func(e *Etcd) {
		if seconds > 0 {
			e.ttl = seconds
		}
	}
}

// NewEtcd connects to etcd and returns a distributed locker.
func NewEtcd(endpoints []string, opts ...EtcdOption) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd locker: %w", err)
	}

	e := &Etcd{client: client, prefix: defaultLockPrefix, ttl: 60}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// TryAcquire takes the session's distributed lock if free. A lock held
// by another replica reports ok=false rather than an error.
//
// The lease session is opened on a context detached from the caller's:
// the lock outlives the acquiring call (StartAuto returns while the
// auto-run keeps holding it), so the keepalive must not stop when the
// request context is canceled. Only release ends the lease.
func (e *Etcd) TryAcquire(ctx context.Context, sessionID string) (func(), bool, error) {
	session, err := concurrency.NewSession(e.client,
		concurrency.WithTTL(e.ttl),
		concurrency.WithContext(leaseContext(ctx)))
	if err != nil {
		return nil, false, fmt.Errorf("etcd locker: open session: %w", err)
	}

	mutex := concurrency.NewMutex(session, path.Join(e.prefix, sessionID))
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("etcd locker: try lock: %w", err)
	}

	release := func() {
		// Unlock with a fresh context; the caller's ctx may already be
		// done when the round finishes.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mutex.Unlock(ctx)
		_ = session.Close()
	}
	return release, true, nil
}

// leaseContext detaches the lease session from the acquiring call's
// context. Canceling the request must not stop the keepalive while the
// lock is held; only the lease TTL reclaims a crashed holder's lock.
func leaseContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Close releases the underlying etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}
