package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker keeps leases in process memory. It only serialises callers
// within one process.
type LocalLocker struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	leases map[string]localEntry
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker(ttl time.Duration) *LocalLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LocalLocker{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]localEntry),
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, ErrNotObtained
	}

	token := uuid.NewString()
	l.leases[key] = localEntry{token: token, expiresAt: now.Add(l.ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

func (l *LocalLocker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	if !ok || cur.token != token {
		return ErrNotHeld
	}
	delete(l.leases, key)
	return nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(_ context.Context) error {
	return l.locker.release(l.key, l.token)
}
