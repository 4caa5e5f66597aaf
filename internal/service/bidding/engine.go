package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

const tracerName = "github.com/davidleathers/auction-bidding-engine/internal/service/bidding"

// Config holds engine tuning.
type Config struct {
	// Currency bids must be placed in; empty accepts any auction currency
	Currency          string
	AntiSnipingWindow time.Duration
	// Retries after the first attempt when a commit loses a version race
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	DefaultTopBids      int
	MaxTopBids          int
	SettlementBatchSize int
}

func DefaultConfig() Config {
	return Config{
		Currency:            values.KWD,
		AntiSnipingWindow:   DefaultAntiSnipingWindow,
		MaxRetries:          5,
		RetryBaseDelay:      5 * time.Millisecond,
		RetryMaxDelay:       100 * time.Millisecond,
		DefaultTopBids:      10,
		MaxTopBids:          100,
		SettlementBatchSize: 100,
	}
}

// Dependencies are the engine's collaborators. Store, Ledger and Transactor
// are required; the rest fall back to no-op or in-process implementations.
type Dependencies struct {
	Store       AuctionStore
	Ledger      BidLedger
	Transactor  Transactor
	Locker      Locker
	RateLimiter RateLimiter
	Publisher   EventPublisher
	Metrics     MetricsCollector
	Clock       Clock
}

// Engine accepts bids against live auctions and drives their lifecycle.
type Engine struct {
	store     AuctionStore
	ledger    BidLedger
	tx        Transactor
	locker    Locker
	limiter   RateLimiter
	publisher EventPublisher
	metrics   MetricsCollector
	clock     Clock

	resolver *ProxyResolver
	extender *AntiSnipingExtender

	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEngine(deps Dependencies, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Transactor == nil {
		return nil, fmt.Errorf("bidding engine requires a store, a ledger and a transactor")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}

	defaults := DefaultConfig()
	if cfg.DefaultTopBids <= 0 {
		cfg.DefaultTopBids = defaults.DefaultTopBids
	}
	if cfg.MaxTopBids <= 0 {
		cfg.MaxTopBids = defaults.MaxTopBids
	}
	if cfg.SettlementBatchSize <= 0 {
		cfg.SettlementBatchSize = defaults.SettlementBatchSize
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:     deps.Store,
		ledger:    deps.Ledger,
		tx:        deps.Transactor,
		locker:    deps.Locker,
		limiter:   deps.RateLimiter,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		resolver:  NewProxyResolver(),
		extender:  NewAntiSnipingExtender(cfg.AntiSnipingWindow),
		cfg:       cfg,
		logger:    logger.Named("bidding"),
		tracer:    otel.Tracer(tracerName),
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.limiter == nil {
		e.limiter = NoopRateLimiter{}
	}
	if e.publisher == nil {
		e.publisher = noopPublisher{}
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	return e, nil
}

// committedBid is everything known about a bid request once it committed.
type committedBid struct {
	snapshot *auction.Auction
	outcome  auction.Outcome
	res      *Resolution
	extended bool
	now      time.Time
}

// PlaceBid evaluates a bid under per-auction serialization and commits the
// resulting ledger entries and auction update atomically.
func (e *Engine) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*PlaceBidResult, error) {
	if req == nil {
		return nil, domainErrors.NewValidationError("INVALID_REQUEST", "bid request cannot be nil")
	}

	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "bidding.PlaceBid", trace.WithAttributes(
		attribute.String("auction.id", req.AuctionID.String()),
		attribute.String("bidder.id", req.BidderID.String()),
		attribute.Bool("bid.proxy", req.IsProxy),
	))
	defer span.End()

	result, err := e.placeBid(ctx, req)
	e.metrics.RecordPlaceBidLatency(ctx, time.Since(started))

	if err != nil {
		e.metrics.RecordBidRejected(ctx, errorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("bid rejected",
			zap.String("auction_id", req.AuctionID.String()),
			zap.String("bidder_id", req.BidderID.String()),
			zap.String("amount", req.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("bid.status", string(result.Status)),
		attribute.String("auction.current_price", result.CurrentPrice.Decimal()),
		attribute.Bool("auction.ended", result.AuctionEnded),
	)
	return result, nil
}

func (e *Engine) placeBid(ctx context.Context, req *PlaceBidRequest) (*PlaceBidResult, error) {
	ceiling, err := validateRequest(req, e.cfg.Currency)
	if err != nil {
		return nil, err
	}

	allowed, err := e.limiter.Allow(ctx, req.BidderID)
	if err != nil {
		e.logger.Warn("rate limiter unavailable, admitting bid",
			zap.String("bidder_id", req.BidderID.String()),
			zap.Error(err),
		)
	} else if !allowed {
		return nil, domainErrors.NewRateLimitError("too many bids, slow down")
	}

	// Advisory checks on a possibly stale read; all are repeated under the lock.
	a, err := e.store.Get(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if err := e.precheck(a, req, e.clock.Now()); err != nil {
		return nil, err
	}

	var rec *committedBid
	err = e.withRetry(ctx, "place_bid", func() error {
		r, err := e.attempt(ctx, req, ceiling)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := e.buildResult(req, rec)
	e.afterCommit(ctx, req, rec, result)
	return result, nil
}

func validateRequest(req *PlaceBidRequest, currency string) (values.Money, error) {
	if req.AuctionID == uuid.Nil {
		return values.Money{}, domainErrors.NewValidationError("INVALID_AUCTION", "auction ID cannot be nil")
	}
	if req.BidderID == uuid.Nil {
		return values.Money{}, domainErrors.NewValidationError("INVALID_BIDDER", "bidder ID cannot be nil")
	}
	if req.Amount.Currency() == "" || !req.Amount.IsPositive() {
		return values.Money{}, domainErrors.NewValidationError("INVALID_AMOUNT", "bid amount must be positive")
	}
	if currency != "" && req.Amount.Currency() != currency {
		return values.Money{}, domainErrors.NewValidationError("CURRENCY_MISMATCH",
			fmt.Sprintf("bids are accepted in %s", currency)).
			WithDetails(map[string]interface{}{"currency": currency})
	}

	if !req.IsProxy {
		if req.MaxAmount != nil {
			return values.Money{}, domainErrors.NewValidationError("INVALID_MAX_AMOUNT", "max amount is only valid for proxy bids")
		}
		return req.Amount, nil
	}

	if req.MaxAmount == nil {
		return req.Amount, nil
	}
	if !req.MaxAmount.SameCurrency(req.Amount) {
		return values.Money{}, domainErrors.NewValidationError("CURRENCY_MISMATCH", "max amount and amount must share a currency")
	}
	if req.MaxAmount.LessThan(req.Amount) {
		return values.Money{}, domainErrors.NewValidationError("INVALID_MAX_AMOUNT", "max amount cannot be below the bid amount")
	}
	return *req.MaxAmount, nil
}

func (e *Engine) precheck(a *auction.Auction, req *PlaceBidRequest, now time.Time) error {
	if !req.Amount.SameCurrency(a.StartPrice) {
		return domainErrors.NewValidationError("CURRENCY_MISMATCH",
			fmt.Sprintf("auction is priced in %s", a.Currency))
	}
	if a.IsOwner(req.BidderID) {
		return domainErrors.NewSelfBidForbiddenError()
	}
	switch {
	case a.Status == auction.StatusScheduled:
		return domainErrors.NewInvalidStateError("auction has not started")
	case a.Status != auction.StatusActive:
		return domainErrors.NewAuctionClosedError(fmt.Sprintf("auction is %s", a.Status))
	case now.After(a.EndTime):
		return domainErrors.NewAuctionClosedError("auction has ended")
	}
	return nil
}

// attempt runs one evaluation from a fresh snapshot through commit.
func (e *Engine) attempt(ctx context.Context, req *PlaceBidRequest, ceiling values.Money) (*committedBid, error) {
	release, err := e.acquire(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := e.store.GetForBidding(ctx, req.AuctionID)
	if err != nil {
		if domainErrors.HasCode(err, domainErrors.CodeInvalidState) {
			return nil, domainErrors.NewAuctionClosedError("auction is no longer accepting bids").WithCause(err)
		}
		return nil, err
	}

	now := e.clock.Now()
	if !a.AcceptsBidsAt(now) {
		return nil, domainErrors.NewAuctionClosedError("auction has ended")
	}
	if a.IsOwner(req.BidderID) {
		return nil, domainErrors.NewSelfBidForbiddenError()
	}

	top, err := e.ledger.TopBid(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read top bid: %w", err)
	}

	var leaderCeiling *values.Money
	if top != nil && top.BidderID != req.BidderID {
		leaderCeiling, err = e.ledger.ProxyCeiling(ctx, a.ID, top.BidderID)
		if err != nil {
			return nil, fmt.Errorf("failed to read proxy ceiling: %w", err)
		}
	}

	res, err := e.resolver.Resolve(ResolveInput{
		Auction:       a,
		Top:           top,
		LeaderCeiling: leaderCeiling,
		BidderID:      req.BidderID,
		Amount:        req.Amount,
		IsProxy:       req.IsProxy,
		Ceiling:       ceiling,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	outcome := auction.Outcome{
		CurrentPrice: a.CurrentPrice,
		EndTime:      a.EndTime,
		Status:       a.Status,
	}
	extended := false
	if len(res.Entries) > 0 {
		outcome.CurrentPrice = res.FinalPrice
		if res.BuyNow {
			outcome.Status = auction.StatusEnded
			outcome.WinningBidID = res.WinningBidID
		} else if end, ok := e.extender.MaybeExtend(a, now); ok {
			outcome.EndTime = end
			extended = true
		}
	}

	// Last point at which the caller may still abandon the request.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, a, outcome, res); err != nil {
		return nil, err
	}

	return &committedBid{snapshot: a, outcome: outcome, res: res, extended: extended, now: now}, nil
}

// commit applies the outcome, ledger entries and ceilings in one transaction.
// It runs detached from caller cancellation.
func (e *Engine) commit(ctx context.Context, a *auction.Auction, outcome auction.Outcome, res *Resolution) error {
	err := e.tx.WithinTx(context.WithoutCancel(ctx), func(txCtx context.Context, store AuctionStore, ledger BidLedger) error {
		if err := store.ApplyBidOutcome(txCtx, a.ID, a.Version, outcome); err != nil {
			return err
		}
		for _, entry := range res.Entries {
			if _, err := ledger.Append(txCtx, entry); err != nil {
				return err
			}
		}
		for _, c := range res.Ceilings {
			if err := ledger.SetProxyCeiling(txCtx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var appErr *domainErrors.AppError
	if errors.Is(err, ErrCommitInDoubt) || (ctx.Err() != nil && !errors.As(err, &appErr)) {
		return domainErrors.NewOutcomeUnknownError(err)
	}
	return err
}

func (e *Engine) buildResult(req *PlaceBidRequest, rec *committedBid) *PlaceBidResult {
	a, o, res := rec.snapshot, rec.outcome, rec.res

	isWinning := res.LeaderID == req.BidderID
	status := BidStatusOutbid
	if isWinning {
		status = BidStatusAccepted
	}

	return &PlaceBidResult{
		AuctionID:      a.ID,
		Status:         status,
		CurrentPrice:   o.CurrentPrice,
		EndTime:        o.EndTime,
		IsWinning:      isWinning,
		AuctionEnded:   o.Status == auction.StatusEnded,
		Extended:       rec.extended,
		ReserveMet:     a.ReserveMet(o.CurrentPrice),
		MinimumNextBid: o.CurrentPrice.Plus(a.MinIncrement),
		Bids:           res.Entries,
	}
}

// afterCommit records metrics and hands events to the publisher. Nothing
// here can undo the commit.
func (e *Engine) afterCommit(ctx context.Context, req *PlaceBidRequest, rec *committedBid, result *PlaceBidResult) {
	res := rec.res

	kind := "manual"
	if req.IsProxy {
		kind = "proxy"
	}
	e.metrics.RecordBidAccepted(ctx, kind, result.CurrentPrice.ToFloat64())
	if rec.extended {
		e.metrics.RecordExtension(ctx)
	}

	e.logger.Info("bid committed",
		zap.String("auction_id", result.AuctionID.String()),
		zap.String("bidder_id", req.BidderID.String()),
		zap.String("status", string(result.Status)),
		zap.String("current_price", result.CurrentPrice.String()),
		zap.Int("ledger_entries", len(res.Entries)),
		zap.Bool("extended", rec.extended),
		zap.Bool("auction_ended", result.AuctionEnded),
	)

	if len(res.Entries) == 0 {
		return
	}

	placed := BidPlaced{
		AuctionID:      result.AuctionID,
		BidderID:       req.BidderID,
		Amount:         result.CurrentPrice,
		OutbidBidderID: res.OutbidBidderID,
		AuctionEnded:   result.AuctionEnded,
		EndTime:        result.EndTime,
		OccurredAt:     rec.now,
	}
	if last := lastEntryBy(res.Entries, req.BidderID); last != nil {
		id := last.ID
		placed.BidID = &id
	}
	e.publisher.PublishBidPlaced(ctx, placed)

	if res.BuyNow {
		winner := res.Entries[len(res.Entries)-1]
		winnerID := winner.BidderID
		e.publisher.PublishAuctionEnded(ctx, AuctionEnded{
			AuctionID:    result.AuctionID,
			WinningBidID: res.WinningBidID,
			WinnerID:     &winnerID,
			FinalPrice:   result.CurrentPrice,
			ReserveMet:   result.ReserveMet,
			Cause:        EndCauseBuyNow,
			OccurredAt:   rec.now,
		})
		e.metrics.RecordAuctionEnded(ctx, EndCauseBuyNow)
	}
}

func lastEntryBy(entries []*bid.Bid, bidderID uuid.UUID) *bid.Bid {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].BidderID == bidderID {
			return entries[i]
		}
	}
	return nil
}

// acquire takes the per-auction lock. Contention other than caller
// cancellation is reported as a retryable conflict.
func (e *Engine) acquire(ctx context.Context, auctionID uuid.UUID) (func(), error) {
	release, err := e.locker.Acquire(ctx, auctionID)
	if err == nil {
		return release, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if domainErrors.IsRetryable(err) {
		return nil, err
	}
	return nil, domainErrors.NewVersionConflictError("auction lock").WithCause(err)
}

// withRetry runs op until it succeeds, fails with a non-conflict error, or
// the retry budget is spent, in which case Busy is returned.
func (e *Engine) withRetry(ctx context.Context, operation string, op func() error) error {
	attempts := 0
	wrapped := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if isConflict(err) {
			e.metrics.RecordCommitRetry(ctx)
			e.logger.Debug("optimistic conflict, retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	err := backoff.Retry(wrapped, policy)
	switch {
	case err == nil:
		return nil
	case isConflict(err):
		e.logger.Warn("retry budget exhausted",
			zap.String("operation", operation),
			zap.Int("attempts", attempts),
		)
		return domainErrors.NewBusyError(attempts).WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s aborted before commit: %w", operation, err)
	default:
		return err
	}
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBaseDelay
	b.MaxInterval = e.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	return b
}

func isConflict(err error) bool {
	return domainErrors.HasCode(err, domainErrors.CodeVersionConflict) ||
		domainErrors.HasCode(err, domainErrors.CodeOutOfOrder)
}

func errorCode(err error) string {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELLED"
	}
	return domainErrors.CodeInternal
}

// GetTopBids returns up to limit bids for an auction, best first.
func (e *Engine) GetTopBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*bid.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "bidding.GetTopBids", trace.WithAttributes(
		attribute.String("auction.id", auctionID.String()),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if limit <= 0 {
		limit = e.cfg.DefaultTopBids
	}
	if limit > e.cfg.MaxTopBids {
		limit = e.cfg.MaxTopBids
	}

	if _, err := e.store.Get(ctx, auctionID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	bids, err := e.ledger.TopBids(ctx, auctionID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list top bids: %w", err)
	}
	return bids, nil
}

// GetAuction returns the current auction snapshot.
func (e *Engine) GetAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error) {
	return e.store.Get(ctx, auctionID)
}

// GetBidHistory returns every ledger entry in commit order.
func (e *Engine) GetBidHistory(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	if _, err := e.store.Get(ctx, auctionID); err != nil {
		return nil, err
	}
	return e.ledger.History(ctx, auctionID)
}
