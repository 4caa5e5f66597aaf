package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// AuctionBuilder builds test Auction entities
type AuctionBuilder struct {
	params auction.Params
	now    time.Time
	status *auction.Status
}

// NewAuctionBuilder creates an active KWD auction starting at 10.000 with a
// 1.000 increment, ending one hour after now.
func NewAuctionBuilder(now time.Time) *AuctionBuilder {
	return &AuctionBuilder{
		now: now,
		params: auction.Params{
			OwnerID:      uuid.New(),
			StartPrice:   values.MustParse("10", values.KWD),
			MinIncrement: values.MustParse("1", values.KWD),
			StartTime:    now.Add(-time.Hour),
			EndTime:      now.Add(time.Hour),
		},
	}
}

// WithOwnerID sets the owner
func (b *AuctionBuilder) WithOwnerID(id uuid.UUID) *AuctionBuilder {
	b.params.OwnerID = id
	return b
}

// WithStartPrice sets the start price (KWD)
func (b *AuctionBuilder) WithStartPrice(amount string) *AuctionBuilder {
	b.params.StartPrice = values.MustParse(amount, values.KWD)
	return b
}

// WithIncrement sets the minimum increment (KWD)
func (b *AuctionBuilder) WithIncrement(amount string) *AuctionBuilder {
	b.params.MinIncrement = values.MustParse(amount, values.KWD)
	return b
}

// WithReserve sets the reserve price (KWD)
func (b *AuctionBuilder) WithReserve(amount string) *AuctionBuilder {
	m := values.MustParse(amount, values.KWD)
	b.params.ReservePrice = &m
	return b
}

// WithBuyNow sets the buy-now price (KWD)
func (b *AuctionBuilder) WithBuyNow(amount string) *AuctionBuilder {
	m := values.MustParse(amount, values.KWD)
	b.params.BuyNowPrice = &m
	return b
}

// WithWindow sets start and end time
func (b *AuctionBuilder) WithWindow(start, end time.Time) *AuctionBuilder {
	b.params.StartTime = start
	b.params.EndTime = end
	return b
}

// WithEndTime sets the end time
func (b *AuctionBuilder) WithEndTime(end time.Time) *AuctionBuilder {
	b.params.EndTime = end
	return b
}

// WithAntiSniping enables end-time extension
func (b *AuctionBuilder) WithAntiSniping() *AuctionBuilder {
	b.params.AntiSnipingEnabled = true
	return b
}

// WithStatus forces a status regardless of the schedule
func (b *AuctionBuilder) WithStatus(status auction.Status) *AuctionBuilder {
	b.status = &status
	return b
}

// Build creates the Auction entity
func (b *AuctionBuilder) Build(t testing.TB) *auction.Auction {
	t.Helper()
	a, err := auction.NewAuction(b.params, b.now)
	require.NoError(t, err, "failed to build auction")
	if b.status != nil {
		a.Status = *b.status
	}
	return a
}
