package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/database"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/events"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

const meterName = "github.com/davidleathers/auction-bidding-engine/bidding"

// Registry holds the bidding instruments and implements the engine's
// MetricsCollector.
type Registry struct {
	meter metric.Meter

	PlaceBidDuration metric.Float64Histogram
	BidAccepted      metric.Int64Counter
	BidRejected      metric.Int64Counter
	AcceptedAmount   metric.Float64Histogram
	CommitRetries    metric.Int64Counter
	Extensions       metric.Int64Counter
	AuctionsEnded    metric.Int64Counter

	EventsPublished metric.Int64ObservableCounter
	EventsDropped   metric.Int64ObservableCounter
	EventsDelivered metric.Int64ObservableCounter
	EventsFailed    metric.Int64ObservableCounter

	DBConnections       metric.Int64ObservableGauge
	DBConnectionsOpened metric.Int64ObservableCounter
	DBCircuitOpen       metric.Int64ObservableGauge

	mu         sync.RWMutex
	eventStats func() events.DispatcherStats
	poolStats  func() database.ConnectionMetrics
}

var _ bidding.MetricsCollector = (*Registry)(nil)

// NewRegistry creates the instruments on provider, or on the global provider
// when nil.
func NewRegistry(provider metric.MeterProvider) (*Registry, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	r := &Registry{meter: provider.Meter(meterName)}

	if err := r.initBidMetrics(); err != nil {
		return nil, err
	}
	if err := r.initEventMetrics(); err != nil {
		return nil, err
	}
	if err := r.initPoolMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initBidMetrics() error {
	var err error

	r.PlaceBidDuration, err = r.meter.Float64Histogram(
		"auction.bid.place_duration",
		metric.WithDescription("End-to-end PlaceBid latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000),
	)
	if err != nil {
		return err
	}

	r.BidAccepted, err = r.meter.Int64Counter(
		"auction.bid.accepted_total",
		metric.WithDescription("Committed bid requests by kind"),
	)
	if err != nil {
		return err
	}

	r.BidRejected, err = r.meter.Int64Counter(
		"auction.bid.rejected_total",
		metric.WithDescription("Rejected bid requests by error code"),
	)
	if err != nil {
		return err
	}

	r.AcceptedAmount, err = r.meter.Float64Histogram(
		"auction.bid.current_price",
		metric.WithDescription("Current price after an accepted bid"),
	)
	if err != nil {
		return err
	}

	r.CommitRetries, err = r.meter.Int64Counter(
		"auction.bid.commit_retries_total",
		metric.WithDescription("Optimistic commit conflicts that were retried"),
	)
	if err != nil {
		return err
	}

	r.Extensions, err = r.meter.Int64Counter(
		"auction.antisniping.extensions_total",
		metric.WithDescription("Auction end time extensions"),
	)
	if err != nil {
		return err
	}

	r.AuctionsEnded, err = r.meter.Int64Counter(
		"auction.ended_total",
		metric.WithDescription("Closed auctions by cause"),
	)
	return err
}

func (r *Registry) initEventMetrics() error {
	var err error

	r.EventsPublished, err = r.meter.Int64ObservableCounter(
		"auction.events.published_total",
		metric.WithDescription("Events accepted into the dispatch buffer"),
	)
	if err != nil {
		return err
	}
	r.EventsDropped, err = r.meter.Int64ObservableCounter(
		"auction.events.dropped_total",
		metric.WithDescription("Events dropped because the dispatch buffer was full or closed"),
	)
	if err != nil {
		return err
	}
	r.EventsDelivered, err = r.meter.Int64ObservableCounter(
		"auction.events.delivered_total",
		metric.WithDescription("Successful sink deliveries"),
	)
	if err != nil {
		return err
	}
	r.EventsFailed, err = r.meter.Int64ObservableCounter(
		"auction.events.failed_total",
		metric.WithDescription("Sink deliveries that exhausted their retries"),
	)
	if err != nil {
		return err
	}

	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.RLock()
		statsFn := r.eventStats
		r.mu.RUnlock()
		if statsFn == nil {
			return nil
		}
		stats := statsFn()
		o.ObserveInt64(r.EventsPublished, int64(stats.Published))
		o.ObserveInt64(r.EventsDropped, int64(stats.Dropped))
		o.ObserveInt64(r.EventsDelivered, int64(stats.Delivered))
		o.ObserveInt64(r.EventsFailed, int64(stats.Failed))
		return nil
	}, r.EventsPublished, r.EventsDropped, r.EventsDelivered, r.EventsFailed)
	return err
}

func (r *Registry) initPoolMetrics() error {
	var err error

	r.DBConnections, err = r.meter.Int64ObservableGauge(
		"auction.db.connections",
		metric.WithDescription("Pool connections by state"),
	)
	if err != nil {
		return err
	}
	r.DBConnectionsOpened, err = r.meter.Int64ObservableCounter(
		"auction.db.connections_opened_total",
		metric.WithDescription("Connections opened by the pool"),
	)
	if err != nil {
		return err
	}
	r.DBCircuitOpen, err = r.meter.Int64ObservableGauge(
		"auction.db.circuit_open",
		metric.WithDescription("1 while the connection circuit breaker refuses connections"),
	)
	if err != nil {
		return err
	}

	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.RLock()
		statsFn := r.poolStats
		r.mu.RUnlock()
		if statsFn == nil {
			return nil
		}
		stats := statsFn()
		o.ObserveInt64(r.DBConnections, stats.ActiveConnections, metric.WithAttributes(attribute.String("state", "active")))
		o.ObserveInt64(r.DBConnections, stats.IdleConnections, metric.WithAttributes(attribute.String("state", "idle")))
		o.ObserveInt64(r.DBConnectionsOpened, stats.TotalConnections)
		var open int64
		if stats.CircuitState == database.CircuitOpen {
			open = 1
		}
		o.ObserveInt64(r.DBCircuitOpen, open)
		return nil
	}, r.DBConnections, r.DBConnectionsOpened, r.DBCircuitOpen)
	return err
}

// ObservePool reports the database pool counters on every collection.
func (r *Registry) ObservePool(stats func() database.ConnectionMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poolStats = stats
}

// ObserveDispatcher reports the dispatcher's counters on every collection.
func (r *Registry) ObserveDispatcher(stats func() events.DispatcherStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventStats = stats
}

func (r *Registry) RecordBidAccepted(ctx context.Context, kind string, amount float64) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	r.BidAccepted.Add(ctx, 1, attrs)
	r.AcceptedAmount.Record(ctx, amount, attrs)
}

func (r *Registry) RecordBidRejected(ctx context.Context, reason string) {
	r.BidRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Registry) RecordCommitRetry(ctx context.Context) {
	r.CommitRetries.Add(ctx, 1)
}

func (r *Registry) RecordExtension(ctx context.Context) {
	r.Extensions.Add(ctx, 1)
}

func (r *Registry) RecordAuctionEnded(ctx context.Context, cause string) {
	r.AuctionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (r *Registry) RecordPlaceBidLatency(ctx context.Context, d time.Duration) {
	r.PlaceBidDuration.Record(ctx, float64(d.Microseconds())/1000.0)
}
