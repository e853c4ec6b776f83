// Package lock provides short lived advisory locks keyed by remote
// transaction id, so a return callback and a sweep never reconcile the same
// transaction at the same time.
package lock

import (
	"context"
	"errors"
)

// ErrNotObtained is returned by TryLock when another holder owns the key.
var ErrNotObtained = errors.New("lock: not obtained")

// ErrNotHeld is returned by Release when the lease expired and the key was
// taken over or dropped.
var ErrNotHeld = errors.New("lock: not held")

type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

type Locker interface {
	TryLock(ctx context.Context, key string) (Lease, error)
}

// TransactionKey is the lock key for a remote transaction id.
func TransactionKey(transactionID string) string {
	return "maib:txn:" + transactionID
}
