// Package lock provides keyed mutual exclusion. Operations that mutate a
// pool hold the pool's key; a payout holds only its bet's key.
package lock

import (
	"context"
	"errors"
)

// ErrTimeout is returned when a key could not be acquired before the
// context ended.
var ErrTimeout = errors.New("lock: acquire timed out")

// Locker grants exclusive access to a key. The returned unlock function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// PoolKey and BetKey namespace pool and bet addresses.
func PoolKey(addr string) string { return "pool:" + addr }
func BetKey(addr string) string  { return "bet:" + addr }
