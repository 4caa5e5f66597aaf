package bidding

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// LocalRateLimiter keeps a token bucket per bidder in process memory.
type LocalRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   Clock

	bidders   map[uuid.UUID]*bidderBucket
	lastSweep time.Time
}

type bidderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter allows perSecond bids per bidder with the given burst.
func NewLocalRateLimiter(perSecond float64, burst int, clock Clock) *LocalRateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalRateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		clock:   clock,
		bidders: make(map[uuid.UUID]*bidderBucket),
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, bidderID uuid.UUID) (bool, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	b, ok := l.bidders[bidderID]
	if !ok {
		b = &bidderBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bidders[bidderID] = b
	}
	b.lastSeen = now

	return b.limiter.AllowN(now, 1), nil
}

// sweep drops buckets idle for longer than idleTTL; a bucket that idle has
// refilled completely.
func (l *LocalRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	for id, b := range l.bidders {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.bidders, id)
		}
	}
	l.lastSweep = now
}

// NoopRateLimiter admits every request.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Allow(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}
