package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// Sink delivers envelopes to one downstream consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env *Envelope) error
}

// DispatcherConfig configures the AsyncDispatcher
type DispatcherConfig struct {
	BufferSize     int
	Workers        int
	SinkRetries    int
	RetryBaseDelay time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:     1024,
		Workers:        2,
		SinkRetries:    3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// DispatcherStats counts envelopes by fate
type DispatcherStats struct {
	Published uint64
	Dropped   uint64
	Delivered uint64
	Failed    uint64
}

// AsyncDispatcher queues committed events in a bounded buffer and fans them
// out to every sink from worker goroutines. Publishing never blocks; when
// the buffer is full the event is dropped and counted.
type AsyncDispatcher struct {
	queue  chan *Envelope
	sinks  []Sink
	cfg    DispatcherConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

var _ bidding.EventPublisher = (*AsyncDispatcher)(nil)

// NewAsyncDispatcher starts the workers. Close must be called to stop them.
func NewAsyncDispatcher(cfg DispatcherConfig, logger *zap.Logger, sinks ...Sink) *AsyncDispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.SinkRetries < 0 {
		cfg.SinkRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &AsyncDispatcher{
		queue:  make(chan *Envelope, cfg.BufferSize),
		sinks:  sinks,
		cfg:    cfg,
		logger: logger.Named("events"),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *AsyncDispatcher) PublishBidPlaced(_ context.Context, evt bidding.BidPlaced) {
	env, err := NewBidPlacedEnvelope(evt)
	if err != nil {
		d.logger.Error("failed to build bid.placed event", zap.Error(err))
		return
	}
	d.enqueue(env)
}

func (d *AsyncDispatcher) PublishAuctionEnded(_ context.Context, evt bidding.AuctionEnded) {
	env, err := NewAuctionEndedEnvelope(evt)
	if err != nil {
		d.logger.Error("failed to build auction.ended event", zap.Error(err))
		return
	}
	d.enqueue(env)
}

func (d *AsyncDispatcher) enqueue(env *Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(env, "dispatcher closed")
		return
	}

	select {
	case d.queue <- env:
		d.published.Add(1)
	default:
		d.drop(env, "event buffer full")
	}
}

func (d *AsyncDispatcher) drop(env *Envelope, reason string) {
	d.dropped.Add(1)
	d.logger.Warn("dropping event",
		zap.String("reason", reason),
		zap.String("event_id", env.EventID.String()),
		zap.String("event_type", string(env.EventType)),
		zap.String("auction_id", env.AuctionID.String()),
	)
}

func (d *AsyncDispatcher) worker() {
	defer d.wg.Done()
	for env := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, env)
		}
	}
}

func (d *AsyncDispatcher) deliver(sink Sink, env *Envelope) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.SinkRetries)), d.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return sink.Deliver(d.ctx, env)
	}, policy)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("event delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("event_id", env.EventID.String()),
			zap.String("event_type", string(env.EventType)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}
	d.delivered.Add(1)
}

// Stats returns a snapshot of the dispatcher counters
func (d *AsyncDispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close stops accepting events and drains the buffer until ctx is done, after
// which in-flight deliveries are cancelled.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("event dispatcher closed before draining", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
