package bidding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// Settlement records how an auction closed.
type Settlement struct {
	AuctionID  uuid.UUID
	Status     auction.Status
	WinningBid *bid.Bid
	FinalPrice values.Money
	ReserveMet bool
	Cause      string
	SettledAt  time.Time
}

// SettleAuction closes an active auction whose end time has passed. The top
// bid wins when the reserve is met; otherwise the auction ends without a
// winner and ReserveNotMet is returned alongside the settlement.
func (e *Engine) SettleAuction(ctx context.Context, auctionID uuid.UUID) (*Settlement, error) {
	ctx, span := e.tracer.Start(ctx, "bidding.SettleAuction", trace.WithAttributes(
		attribute.String("auction.id", auctionID.String()),
	))
	defer span.End()

	var (
		settlement *Settlement
		snapshot   *auction.Auction
	)
	err := e.withRetry(ctx, "settle_auction", func() error {
		release, err := e.acquire(ctx, auctionID)
		if err != nil {
			return err
		}
		defer release()

		a, err := e.store.Get(ctx, auctionID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		if a.Status != auction.StatusActive {
			return domainErrors.NewInvalidStateError(fmt.Sprintf("auction is %s", a.Status))
		}
		if !a.IsExpiredAt(now) {
			return domainErrors.NewInvalidStateError("auction has not reached its end time")
		}

		top, err := e.ledger.TopBid(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to read top bid: %w", err)
		}

		s := &Settlement{
			AuctionID:  a.ID,
			Status:     auction.StatusEnded,
			FinalPrice: a.CurrentPrice,
			ReserveMet: a.ReserveMet(a.CurrentPrice),
			Cause:      EndCauseExpired,
			SettledAt:  now,
		}

		var winningBidID *uuid.UUID
		if top != nil && s.ReserveMet {
			s.WinningBid = top
			id := top.ID
			winningBidID = &id
		}

		err = e.tx.WithinTx(context.WithoutCancel(ctx), func(txCtx context.Context, store AuctionStore, _ BidLedger) error {
			return store.Transition(txCtx, a.ID, a.Version, auction.StatusEnded, winningBidID)
		})
		if err != nil {
			return err
		}

		settlement, snapshot = s, a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.publishEnded(ctx, settlement)

	e.logger.Info("auction settled",
		zap.String("auction_id", auctionID.String()),
		zap.String("final_price", settlement.FinalPrice.String()),
		zap.Bool("reserve_met", settlement.ReserveMet),
		zap.Bool("has_winner", settlement.WinningBid != nil),
	)

	if !settlement.ReserveMet {
		reserve := snapshot.ReservePrice
		return settlement, domainErrors.NewReserveNotMetError(settlement.FinalPrice.Decimal(), reserve.Decimal())
	}
	return settlement, nil
}

// SettleExpired closes every active auction past its end time, in batches.
// It returns how many auctions were closed.
func (e *Engine) SettleExpired(ctx context.Context) (int, error) {
	due, err := e.store.ListDue(ctx, DueFilter{
		Status: auction.StatusActive,
		Before: e.clock.Now(),
		Limit:  e.cfg.SettlementBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired auctions: %w", err)
	}

	settled := 0
	for _, a := range due {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		_, err := e.SettleAuction(ctx, a.ID)
		switch {
		case err == nil, domainErrors.HasCode(err, domainErrors.CodeReserveNotMet):
			settled++
		case domainErrors.HasCode(err, domainErrors.CodeInvalidState):
			// closed concurrently or not yet strictly past its end time
		default:
			e.logger.Error("failed to settle auction",
				zap.String("auction_id", a.ID.String()),
				zap.Error(err),
			)
		}
	}
	return settled, nil
}

// ActivateDue opens scheduled auctions whose start time has been reached.
func (e *Engine) ActivateDue(ctx context.Context) (int, error) {
	now := e.clock.Now()
	due, err := e.store.ListDue(ctx, DueFilter{
		Status: auction.StatusScheduled,
		Before: now,
		Limit:  e.cfg.SettlementBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled auctions: %w", err)
	}

	activated := 0
	for _, candidate := range due {
		id := candidate.ID
		err := e.withRetry(ctx, "activate_auction", func() error {
			a, err := e.store.Get(ctx, id)
			if err != nil {
				return err
			}
			if a.Status != auction.StatusScheduled || now.Before(a.StartTime) {
				return domainErrors.NewInvalidStateError("auction is not due for activation")
			}
			return e.store.Transition(ctx, id, a.Version, auction.StatusActive, nil)
		})
		switch {
		case err == nil:
			activated++
		case domainErrors.HasCode(err, domainErrors.CodeInvalidState):
		default:
			e.logger.Error("failed to activate auction",
				zap.String("auction_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return activated, nil
}

// CancelAuction lets the owner withdraw a scheduled or active auction.
func (e *Engine) CancelAuction(ctx context.Context, auctionID, requesterID uuid.UUID) (*auction.Auction, error) {
	var cancelled *auction.Auction
	err := e.withRetry(ctx, "cancel_auction", func() error {
		release, err := e.acquire(ctx, auctionID)
		if err != nil {
			return err
		}
		defer release()

		a, err := e.store.Get(ctx, auctionID)
		if err != nil {
			return err
		}
		if !a.IsOwner(requesterID) {
			return domainErrors.NewForbiddenError("only the owner can cancel an auction")
		}
		if !a.Status.CanTransitionTo(auction.StatusCancelled) {
			return domainErrors.NewInvalidStateError(fmt.Sprintf("cannot cancel an auction that is %s", a.Status))
		}

		if err := e.store.Transition(context.WithoutCancel(ctx), a.ID, a.Version, auction.StatusCancelled, nil); err != nil {
			return err
		}

		cancelled = a.Clone()
		cancelled.Status = auction.StatusCancelled
		cancelled.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publishEnded(ctx, &Settlement{
		AuctionID:  cancelled.ID,
		Status:     auction.StatusCancelled,
		FinalPrice: cancelled.CurrentPrice,
		Cause:      EndCauseCancelled,
		SettledAt:  e.clock.Now(),
	})

	e.logger.Info("auction cancelled",
		zap.String("auction_id", auctionID.String()),
		zap.String("requester_id", requesterID.String()),
	)
	return cancelled, nil
}

func (e *Engine) publishEnded(ctx context.Context, s *Settlement) {
	evt := AuctionEnded{
		AuctionID:  s.AuctionID,
		FinalPrice: s.FinalPrice,
		ReserveMet: s.ReserveMet,
		Cause:      s.Cause,
		OccurredAt: s.SettledAt,
	}
	if s.WinningBid != nil {
		bidID, winnerID := s.WinningBid.ID, s.WinningBid.BidderID
		evt.WinningBidID = &bidID
		evt.WinnerID = &winnerID
	}
	e.publisher.PublishAuctionEnded(ctx, evt)
	e.metrics.RecordAuctionEnded(ctx, s.Cause)
}

// RunLifecycle activates and settles auctions every interval until ctx is
// done.
func (e *Engine) RunLifecycle(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.ActivateDue(ctx); err != nil {
				e.logger.Error("activation sweep failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Info("auctions activated", zap.Int("count", n))
			}

			if n, err := e.SettleExpired(ctx); err != nil {
				e.logger.Error("settlement sweep failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Info("auctions settled", zap.Int("count", n))
			}
		}
	}
}
