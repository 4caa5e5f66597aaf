package bidding

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// KeyedLocker is an in-process per-auction mutex. Waiting honours context
// cancellation and idle entries are dropped once nobody holds or waits.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uuid.UUID]*keyedLock)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, auctionID uuid.UUID) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[auctionID]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[auctionID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(auctionID, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.unref(auctionID, kl)
		})
	}, nil
}

func (l *KeyedLocker) unref(auctionID uuid.UUID, kl *keyedLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, auctionID)
	}
	l.mu.Unlock()
}

// Len reports how many auctions currently have holders or waiters.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// NoopLocker leaves serialization entirely to the optimistic version check.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, uuid.UUID) (func(), error) {
	return func() {}, nil
}
