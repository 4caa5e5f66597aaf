package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// EventPublisher is a testify mock of bidding.EventPublisher
type EventPublisher struct {
	mock.Mock
}

var _ bidding.EventPublisher = (*EventPublisher)(nil)

func (m *EventPublisher) PublishBidPlaced(ctx context.Context, evt bidding.BidPlaced) {
	m.Called(ctx, evt)
}

func (m *EventPublisher) PublishAuctionEnded(ctx context.Context, evt bidding.AuctionEnded) {
	m.Called(ctx, evt)
}

// RateLimiter is a testify mock of bidding.RateLimiter
type RateLimiter struct {
	mock.Mock
}

var _ bidding.RateLimiter = (*RateLimiter)(nil)

func (m *RateLimiter) Allow(ctx context.Context, bidderID uuid.UUID) (bool, error) {
	args := m.Called(ctx, bidderID)
	return args.Bool(0), args.Error(1)
}

// Locker is a testify mock of bidding.Locker. A nil release is replaced
// with a no-op so expectations only need to care about the error.
type Locker struct {
	mock.Mock
}

var _ bidding.Locker = (*Locker)(nil)

func (m *Locker) Acquire(ctx context.Context, auctionID uuid.UUID) (func(), error) {
	args := m.Called(ctx, auctionID)
	release, _ := args.Get(0).(func())
	if release == nil && args.Error(1) == nil {
		release = func() {}
	}
	return release, args.Error(1)
}

// RecordingPublisher keeps every event it receives.
type RecordingPublisher struct {
	mu     sync.Mutex
	placed []bidding.BidPlaced
	ended  []bidding.AuctionEnded
}

var _ bidding.EventPublisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) PublishBidPlaced(_ context.Context, evt bidding.BidPlaced) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, evt)
}

func (p *RecordingPublisher) PublishAuctionEnded(_ context.Context, evt bidding.AuctionEnded) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, evt)
}

func (p *RecordingPublisher) Placed() []bidding.BidPlaced {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bidding.BidPlaced(nil), p.placed...)
}

func (p *RecordingPublisher) Ended() []bidding.AuctionEnded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bidding.AuctionEnded(nil), p.ended...)
}

// RecordingMetrics counts engine metric calls.
type RecordingMetrics struct {
	mu         sync.Mutex
	Accepted   map[string]int
	Rejected   map[string]int
	Retries    int
	Extensions int
	Ended      map[string]int
	Latencies  int
}

var _ bidding.MetricsCollector = (*RecordingMetrics)(nil)

func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{
		Accepted: make(map[string]int),
		Rejected: make(map[string]int),
		Ended:    make(map[string]int),
	}
}

func (m *RecordingMetrics) RecordBidAccepted(_ context.Context, kind string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accepted[kind]++
}

func (m *RecordingMetrics) RecordBidRejected(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected[reason]++
}

func (m *RecordingMetrics) RecordCommitRetry(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

func (m *RecordingMetrics) RecordExtension(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Extensions++
}

func (m *RecordingMetrics) RecordAuctionEnded(_ context.Context, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ended[cause]++
}

func (m *RecordingMetrics) RecordPlaceBidLatency(context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Latencies++
}

// MetricsSnapshot is a point-in-time copy of RecordingMetrics.
type MetricsSnapshot struct {
	Accepted   map[string]int
	Rejected   map[string]int
	Retries    int
	Extensions int
	Ended      map[string]int
	Latencies  int
}

// Snapshot returns a copy safe to assert on while the engine keeps running.
func (m *RecordingMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := MetricsSnapshot{
		Accepted:   make(map[string]int, len(m.Accepted)),
		Rejected:   make(map[string]int, len(m.Rejected)),
		Ended:      make(map[string]int, len(m.Ended)),
		Retries:    m.Retries,
		Extensions: m.Extensions,
		Latencies:  m.Latencies,
	}
	for k, v := range m.Accepted {
		c.Accepted[k] = v
	}
	for k, v := range m.Rejected {
		c.Rejected[k] = v
	}
	for k, v := range m.Ended {
		c.Ended[k] = v
	}
	return c
}
