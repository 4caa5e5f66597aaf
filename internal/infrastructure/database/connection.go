package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/config"
)

// ConnectionPool wraps the primary pgx pool with a circuit breaker and a
// background health check.
type ConnectionPool struct {
	primary         *pgxpool.Pool
	config          *config.DatabaseConfig
	logger          *zap.Logger
	healthCheckStop chan struct{}
	closeOnce       sync.Once
	metrics         *ConnectionMetrics
	circuitBreaker  *CircuitBreaker
}

// ConnectionMetrics is a snapshot of the pool counters
type ConnectionMetrics struct {
	mu sync.RWMutex

	TotalConnections    int64
	ActiveConnections   int64
	IdleConnections     int64
	MaxLifetimeClosures int64
	CircuitState        CircuitState

	LastHealthCheck time.Time
}

// CircuitBreaker stops handing out connections after repeated failures
type CircuitBreaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
	timeout         time.Duration
	threshold       int
	now             func() time.Time
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again once timeout has passed.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

// NewConnectionPool creates the pool and verifies connectivity
func NewConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &ConnectionPool{
		config:          cfg,
		logger:          logger.Named("database"),
		healthCheckStop: make(chan struct{}),
		metrics:         &ConnectionMetrics{},
		circuitBreaker:  NewCircuitBreaker(10, 30*time.Second),
	}

	primaryConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool.configurePgxPool(primaryConfig)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool.primary, err = pgxpool.NewWithConfig(ctx, primaryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.primary.Ping(ctx); err != nil {
		pool.primary.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go pool.healthCheckRoutine()

	pool.logger.Info("database connection pool initialized",
		zap.Int32("max_connections", primaryConfig.MaxConns),
		zap.Int32("min_connections", primaryConfig.MinConns))

	return pool, nil
}

func (p *ConnectionPool) configurePgxPool(pc *pgxpool.Config) {
	pc.MaxConns = 25
	if p.config.MaxOpenConns > 0 {
		pc.MaxConns = int32(p.config.MaxOpenConns)
	}
	pc.MinConns = 5
	if p.config.MaxIdleConns > 0 {
		pc.MinConns = int32(p.config.MaxIdleConns)
	}
	if pc.MinConns > pc.MaxConns {
		pc.MinConns = pc.MaxConns
	}
	pc.MaxConnLifetime = 30 * time.Minute
	if p.config.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = p.config.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = 5 * time.Second

	pc.ConnConfig.RuntimeParams["application_name"] = "auction_bidding_engine"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["lock_timeout"] = "5s"
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "10s"
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "30s"

	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		p.metrics.mu.Lock()
		p.metrics.TotalConnections++
		p.metrics.mu.Unlock()
		return nil
	}

	pc.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return p.circuitBreaker.Allow()
	}

	pc.AfterRelease = func(conn *pgx.Conn) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := conn.Exec(ctx, "DISCARD ALL")
		return err == nil
	}
}

// Pool returns the underlying pgx pool
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.primary
}

// Ping reports whether the database answers
func (p *ConnectionPool) Ping(ctx context.Context) error {
	if err := p.primary.Ping(ctx); err != nil {
		p.circuitBreaker.RecordFailure()
		return err
	}
	p.circuitBreaker.RecordSuccess()
	return nil
}

// Metrics returns a snapshot of the pool counters
func (p *ConnectionPool) Metrics() ConnectionMetrics {
	stats := p.primary.Stat()

	p.metrics.mu.Lock()
	p.metrics.ActiveConnections = int64(stats.AcquiredConns())
	p.metrics.IdleConnections = int64(stats.IdleConns())
	p.metrics.MaxLifetimeClosures = stats.MaxLifetimeDestroyCount()
	p.metrics.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return ConnectionMetrics{
		TotalConnections:    p.metrics.TotalConnections,
		ActiveConnections:   p.metrics.ActiveConnections,
		IdleConnections:     p.metrics.IdleConnections,
		MaxLifetimeClosures: p.metrics.MaxLifetimeClosures,
		CircuitState:        p.circuitBreaker.State(),
		LastHealthCheck:     p.metrics.LastHealthCheck,
	}
}

func (p *ConnectionPool) healthCheckRoutine() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Ping(ctx); err != nil {
				p.logger.Error("database health check failed", zap.Error(err))
			}
			cancel()

			p.metrics.mu.Lock()
			p.metrics.LastHealthCheck = time.Now()
			p.metrics.mu.Unlock()
		case <-p.healthCheckStop:
			return
		}
	}
}

// Close closes all database connections
func (p *ConnectionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.healthCheckStop)
		p.primary.Close()
		p.logger.Info("database connection pool closed")
	})
}

// Allow reports whether a connection may be handed out
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.failureCount >= cb.threshold || cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
