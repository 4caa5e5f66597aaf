package bidding

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// ResolveInput is the auction state a bid is resolved against. It must be
// read under the same serialization as the commit that follows.
type ResolveInput struct {
	Auction *auction.Auction
	// Current top bid, nil when the auction has none
	Top *bid.Bid
	// Standing ceiling of the top bidder, nil when they hold none
	LeaderCeiling *values.Money

	BidderID uuid.UUID
	Amount   values.Money
	IsProxy  bool
	// Effective cap of the incoming bid; equals Amount for manual bids
	Ceiling values.Money
	Now     time.Time
}

// Resolution is the set of writes a bid request produces.
type Resolution struct {
	// Ledger entries in commit order, strictly increasing
	Entries []*bid.Bid
	// Standing ceilings to upsert
	Ceilings []bid.StandingProxy

	FinalPrice     values.Money
	LeaderID       uuid.UUID
	OutbidBidderID *uuid.UUID

	// BuyNow is set when an entry reached the buy-now price
	BuyNow       bool
	WinningBidID *uuid.UUID
}

// ProxyResolver settles an incoming bid against the top bidder's standing
// ceiling. The higher ceiling wins at one increment above the lower one,
// capped at its own ceiling; equal ceilings go to the earlier one.
type ProxyResolver struct{}

func NewProxyResolver() *ProxyResolver {
	return &ProxyResolver{}
}

// MinimumBid returns the lowest amount the next bid may carry.
func MinimumBid(a *auction.Auction, top *bid.Bid) values.Money {
	if top == nil {
		return a.StartPrice
	}
	return top.Amount.Plus(a.MinIncrement)
}

func (r *ProxyResolver) Resolve(in ResolveInput) (*Resolution, error) {
	minRequired := MinimumBid(in.Auction, in.Top)

	if in.Top != nil && in.Top.BidderID == in.BidderID {
		return r.resolveLeader(in, minRequired)
	}
	return r.resolveChallenger(in, minRequired)
}

// resolveLeader handles a request from the bidder already on top. A proxy
// only moves their ceiling; a manual bid is refused unless it buys the item.
func (r *ProxyResolver) resolveLeader(in ResolveInput, minRequired values.Money) (*Resolution, error) {
	a := in.Auction

	if in.Amount.GreaterThanOrEqual(minRequired) && a.BuyNowReached(in.Amount) {
		entry := r.entry(in, in.BidderID, in.Amount, bid.KindManual, in.proxyMax())
		res := &Resolution{Ceilings: r.ceilings(in)}
		return r.settle(a, in.Top, []*bid.Bid{entry}, res), nil
	}

	if !in.IsProxy {
		return nil, errors.NewAlreadyWinningError(minRequired.Decimal(), minRequired.Currency())
	}

	if in.Ceiling.LessThan(in.Top.Amount) {
		return nil, errors.NewBidTooLowError(in.Top.Amount.Decimal(), in.Top.Amount.Currency())
	}

	return &Resolution{
		Ceilings:   r.ceilings(in),
		FinalPrice: in.Top.Amount,
		LeaderID:   in.BidderID,
	}, nil
}

func (r *ProxyResolver) resolveChallenger(in ResolveInput, minRequired values.Money) (*Resolution, error) {
	a := in.Auction

	if in.Ceiling.LessThan(minRequired) || (!in.IsProxy && in.Amount.LessThan(minRequired)) {
		return nil, errors.NewBidTooLowError(minRequired.Decimal(), minRequired.Currency())
	}

	opening, openingKind := in.Amount, bid.KindManual
	if in.IsProxy && opening.LessThan(minRequired) {
		opening, openingKind = minRequired, bid.KindProxyGenerated
	}

	var entries []*bid.Bid
	leaderDefends := in.Top != nil && in.LeaderCeiling != nil && in.LeaderCeiling.GreaterThan(in.Top.Amount)

	switch {
	case !leaderDefends:
		entries = append(entries, r.entry(in, in.BidderID, opening, openingKind, in.proxyMax()))

	case in.Ceiling.GreaterThan(*in.LeaderCeiling):
		ceiling := *in.LeaderCeiling
		// The displaced leader's ceiling is recorded as a visible bid unless
		// it would itself have bought the item.
		if !a.BuyNowReached(ceiling) {
			entries = append(entries, r.entry(in, in.Top.BidderID, ceiling, bid.KindProxyGenerated, &ceiling))
		}

		amount, kind := opening, openingKind
		if in.IsProxy {
			counter := values.Min(in.Ceiling, ceiling.Plus(a.MinIncrement))
			if counter.GreaterThan(amount) {
				amount, kind = counter, bid.KindProxyGenerated
			}
		}
		entries = append(entries, r.entry(in, in.BidderID, amount, kind, in.proxyMax()))

	default:
		ceiling := *in.LeaderCeiling
		defended := values.Min(ceiling, in.Ceiling.Plus(a.MinIncrement))
		if opening.LessThan(defended) {
			entries = append(entries, r.entry(in, in.BidderID, opening, openingKind, in.proxyMax()))
		}
		entries = append(entries, r.entry(in, in.Top.BidderID, defended, bid.KindProxyGenerated, &ceiling))
	}

	res := &Resolution{Ceilings: r.ceilings(in)}
	return r.settle(a, in.Top, entries, res), nil
}

// settle applies the buy-now cut-off and fills in the resulting leader.
// Entries after the first one reaching buy-now are discarded, and an
// automatic bid never lands above the buy-now price.
func (r *ProxyResolver) settle(a *auction.Auction, top *bid.Bid, entries []*bid.Bid, res *Resolution) *Resolution {
	var prev *values.Money
	if top != nil {
		prev = &top.Amount
	}

	for i, e := range entries {
		if a.BuyNowReached(e.Amount) {
			buyNow := *a.BuyNowPrice
			if e.Kind == bid.KindProxyGenerated && (prev == nil || buyNow.GreaterThan(*prev)) {
				e.Amount = buyNow
			}
			entries = entries[:i+1]
			res.BuyNow = true
			id := e.ID
			res.WinningBidID = &id
			break
		}
		prev = &entries[i].Amount
	}

	last := entries[len(entries)-1]
	res.Entries = entries
	res.FinalPrice = last.Amount
	res.LeaderID = last.BidderID

	if top != nil && top.BidderID != res.LeaderID {
		outbid := top.BidderID
		res.OutbidBidderID = &outbid
	}
	return res
}

func (r *ProxyResolver) entry(in ResolveInput, bidderID uuid.UUID, amount values.Money, kind bid.Kind, ceiling *values.Money) *bid.Bid {
	b := &bid.Bid{
		ID:        uuid.New(),
		AuctionID: in.Auction.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Kind:      kind,
		PlacedAt:  in.Now,
	}
	if ceiling != nil {
		b.WithProxyMax(*ceiling)
	}
	return b
}

func (r *ProxyResolver) ceilings(in ResolveInput) []bid.StandingProxy {
	if !in.IsProxy {
		return nil
	}
	return []bid.StandingProxy{{
		AuctionID: in.Auction.ID,
		BidderID:  in.BidderID,
		MaxAmount: in.Ceiling,
		UpdatedAt: in.Now,
	}}
}

func (in ResolveInput) proxyMax() *values.Money {
	if !in.IsProxy {
		return nil
	}
	c := in.Ceiling
	return &c
}
