package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// BidBuilder builds test Bid entities
type BidBuilder struct {
	id        uuid.UUID
	auctionID uuid.UUID
	bidderID  uuid.UUID
	amount    values.Money
	kind      bid.Kind
	proxyMax  *values.Money
	placedAt  time.Time
	sequence  int64
}

// NewBidBuilder creates a new BidBuilder with defaults
func NewBidBuilder() *BidBuilder {
	return &BidBuilder{
		id:        uuid.New(),
		auctionID: uuid.New(),
		bidderID:  uuid.New(),
		amount:    values.MustParse("10", values.KWD),
		kind:      bid.KindManual,
		placedAt:  time.Now().UTC(),
	}
}

// WithAuctionID sets the auction ID
func (b *BidBuilder) WithAuctionID(auctionID uuid.UUID) *BidBuilder {
	b.auctionID = auctionID
	return b
}

// WithBidderID sets the bidder ID
func (b *BidBuilder) WithBidderID(bidderID uuid.UUID) *BidBuilder {
	b.bidderID = bidderID
	return b
}

// WithAmount sets the bid amount from a KWD decimal string
func (b *BidBuilder) WithAmount(amount string) *BidBuilder {
	b.amount = values.MustParse(amount, values.KWD)
	return b
}

// WithMoney sets the bid amount
func (b *BidBuilder) WithMoney(amount values.Money) *BidBuilder {
	b.amount = amount
	return b
}

// WithKind sets the bid kind
func (b *BidBuilder) WithKind(kind bid.Kind) *BidBuilder {
	b.kind = kind
	return b
}

// WithProxyMax sets the submitted ceiling from a KWD decimal string
func (b *BidBuilder) WithProxyMax(amount string) *BidBuilder {
	m := values.MustParse(amount, values.KWD)
	b.proxyMax = &m
	return b
}

// WithPlacedAt sets when the bid was placed
func (b *BidBuilder) WithPlacedAt(placedAt time.Time) *BidBuilder {
	b.placedAt = placedAt
	return b
}

// WithSequence sets the ledger position
func (b *BidBuilder) WithSequence(seq int64) *BidBuilder {
	b.sequence = seq
	return b
}

// Build creates the Bid entity
func (b *BidBuilder) Build(t testing.TB) *bid.Bid {
	t.Helper()
	entity := &bid.Bid{
		ID:        b.id,
		AuctionID: b.auctionID,
		BidderID:  b.bidderID,
		Amount:    b.amount,
		Kind:      b.kind,
		PlacedAt:  b.placedAt,
		Sequence:  b.sequence,
	}
	if b.proxyMax != nil {
		m := *b.proxyMax
		entity.ProxyMaxAmount = &m
	}
	return entity
}

// CompetingBids creates count strictly increasing bids from distinct bidders
// on one auction, starting at start and stepping by step (KWD strings).
func CompetingBids(t testing.TB, auctionID uuid.UUID, start, step string, count int) []*bid.Bid {
	t.Helper()
	amount := values.MustParse(start, values.KWD)
	inc := values.MustParse(step, values.KWD)
	base := time.Now().UTC()

	bids := make([]*bid.Bid, count)
	for i := 0; i < count; i++ {
		bids[i] = NewBidBuilder().
			WithAuctionID(auctionID).
			WithMoney(amount).
			WithPlacedAt(base.Add(time.Duration(i) * time.Millisecond)).
			Build(t)
		amount = amount.Plus(inc)
	}
	return bids
}
