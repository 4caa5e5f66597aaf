package bidding_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/repository"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
	"github.com/davidleathers/auction-bidding-engine/internal/testutil/fixtures"
	"github.com/davidleathers/auction-bidding-engine/internal/testutil/mocks"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine    *bidding.Engine
	store     *repository.MemoryStore
	clock     *bidding.ManualClock
	publisher *mocks.RecordingPublisher
	metrics   *mocks.RecordingMetrics
}

type harnessOption func(deps *bidding.Dependencies, cfg *bidding.Config)

func withConfig(fn func(cfg *bidding.Config)) harnessOption {
	return func(_ *bidding.Dependencies, cfg *bidding.Config) { fn(cfg) }
}

func withDeps(fn func(deps *bidding.Dependencies)) harnessOption {
	return func(deps *bidding.Dependencies, _ *bidding.Config) { fn(deps) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		store:     repository.NewMemoryStore(),
		clock:     bidding.NewManualClock(baseTime),
		publisher: &mocks.RecordingPublisher{},
		metrics:   mocks.NewRecordingMetrics(),
	}

	deps := bidding.Dependencies{
		Store:      h.store,
		Ledger:     h.store,
		Transactor: h.store,
		Publisher:  h.publisher,
		Metrics:    h.metrics,
		Clock:      h.clock,
	}
	cfg := bidding.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	engine, err := bidding.NewEngine(deps, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.engine = engine
	return h
}

// peer builds a second engine over the same store with its own in-process
// locker, the way another server process would run.
func (h *harness) peer(t *testing.T) *bidding.Engine {
	t.Helper()
	cfg := bidding.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	engine, err := bidding.NewEngine(bidding.Dependencies{
		Store:      h.store,
		Ledger:     h.store,
		Transactor: h.store,
		Publisher:  h.publisher,
		Metrics:    h.metrics,
		Clock:      h.clock,
	}, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine
}

func (h *harness) seed(t *testing.T, b *fixtures.AuctionBuilder) *auction.Auction {
	t.Helper()
	a := b.Build(t)
	require.NoError(t, h.store.Create(context.Background(), a))
	return a
}

func (h *harness) auction(t *testing.T, id uuid.UUID) *auction.Auction {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) history(t *testing.T, id uuid.UUID) []*bid.Bid {
	t.Helper()
	bids, err := h.store.History(context.Background(), id)
	require.NoError(t, err)
	return bids
}

func (h *harness) place(t *testing.T, req *bidding.PlaceBidRequest) *bidding.PlaceBidResult {
	t.Helper()
	res, err := h.engine.PlaceBid(context.Background(), req)
	require.NoError(t, err)
	return res
}

func kwd(amount string) values.Money {
	return values.MustParse(amount, values.KWD)
}

func manualBid(a *auction.Auction, bidder uuid.UUID, amount string) *bidding.PlaceBidRequest {
	return &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: kwd(amount)}
}

func proxyBid(a *auction.Auction, bidder uuid.UUID, amount, max string) *bidding.PlaceBidRequest {
	ceiling := kwd(max)
	return &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: kwd(amount), IsProxy: true, MaxAmount: &ceiling}
}

func amounts(bids []*bid.Bid) []string {
	out := make([]string, len(bids))
	for i, b := range bids {
		out[i] = b.Amount.Decimal()
	}
	return out
}

func requireCode(t *testing.T, err error, code string) *domainErrors.AppError {
	t.Helper()
	require.Error(t, err)
	var appErr *domainErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equalf(t, code, appErr.Code, "unexpected error: %v", err)
	return appErr
}

func TestNewEngine_RequiresStorage(t *testing.T) {
	store := repository.NewMemoryStore()

	_, err := bidding.NewEngine(bidding.Dependencies{Store: store, Ledger: store}, bidding.DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := bidding.DefaultConfig()
	cfg.MaxRetries = -1
	_, err = bidding.NewEngine(bidding.Dependencies{Store: store, Ledger: store, Transactor: store}, cfg, nil)
	assert.Error(t, err)
}

func TestPlaceBid_FirstBid(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
	alice := uuid.New()

	res := h.place(t, manualBid(a, alice, "10"))

	assert.Equal(t, bidding.BidStatusAccepted, res.Status)
	assert.True(t, res.IsWinning)
	assert.Equal(t, "10.000 KWD", res.CurrentPrice.String())
	assert.Equal(t, "11.000 KWD", res.MinimumNextBid.String())
	assert.False(t, res.AuctionEnded)
	assert.False(t, res.Extended)
	assert.True(t, res.ReserveMet)
	require.Len(t, res.Bids, 1)
	assert.Equal(t, bid.KindManual, res.Bids[0].Kind)
	assert.Equal(t, int64(1), res.Bids[0].Sequence)

	stored := h.auction(t, a.ID)
	assert.Equal(t, a.Version+1, stored.Version)
	assert.Equal(t, "10.000 KWD", stored.CurrentPrice.String())

	placed := h.publisher.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, alice, placed[0].BidderID)
	require.NotNil(t, placed[0].BidID)
	assert.Equal(t, res.Bids[0].ID, *placed[0].BidID)
	assert.Nil(t, placed[0].OutbidBidderID)

	snap := h.metrics.Snapshot()
	assert.Equal(t, 1, snap.Accepted["manual"])
	assert.Equal(t, 1, snap.Latencies)
}

func TestPlaceBid_MinimumBid(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
	alice, bob := uuid.New(), uuid.New()

	_, err := h.engine.PlaceBid(context.Background(), manualBid(a, alice, "9.999"))
	appErr := requireCode(t, err, domainErrors.CodeBidTooLow)
	assert.Equal(t, "10.000", appErr.Details["minimum_bid"])
	assert.Equal(t, values.KWD, appErr.Details["currency"])

	h.place(t, manualBid(a, alice, "10"))
	before := h.auction(t, a.ID)

	_, err = h.engine.PlaceBid(context.Background(), manualBid(a, bob, "10.500"))
	appErr = requireCode(t, err, domainErrors.CodeBidTooLow)
	assert.Equal(t, "11.000", appErr.Details["minimum_bid"])

	after := h.auction(t, a.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.CurrentPrice.String(), after.CurrentPrice.String())
	assert.Len(t, h.history(t, a.ID), 1)
	assert.Equal(t, 2, h.metrics.Snapshot().Rejected[domainErrors.CodeBidTooLow])

	res := h.place(t, manualBid(a, bob, "11"))
	assert.Equal(t, bidding.BidStatusAccepted, res.Status)
	require.Len(t, h.publisher.Placed(), 2)
	outbid := h.publisher.Placed()[1].OutbidBidderID
	require.NotNil(t, outbid)
	assert.Equal(t, alice, *outbid)
}

func TestPlaceBid_OwnerCannotBid(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithOwnerID(owner))

	_, err := h.engine.PlaceBid(context.Background(), manualBid(a, owner, "10"))
	requireCode(t, err, domainErrors.CodeSelfBidForbidden)
	assert.Empty(t, h.history(t, a.ID))
}

func TestPlaceBid_Leader(t *testing.T) {
	t.Run("manual bid from the leader is refused", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice := uuid.New()

		h.place(t, manualBid(a, alice, "10"))
		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, alice, "15"))
		appErr := requireCode(t, err, domainErrors.CodeAlreadyWinning)
		assert.Equal(t, "11.000", appErr.Details["minimum_bid"])
		assert.Len(t, h.history(t, a.ID), 1)
	})

	t.Run("leader proxy only moves the ceiling", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "20"))
		res := h.place(t, proxyBid(a, alice, "10", "50"))

		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.Empty(t, res.Bids)
		assert.Equal(t, "10.000 KWD", res.CurrentPrice.String())
		assert.Len(t, h.history(t, a.ID), 1)
		assert.Len(t, h.publisher.Placed(), 1, "a ceiling change publishes nothing")

		ceiling, err := h.store.ProxyCeiling(context.Background(), a.ID, alice)
		require.NoError(t, err)
		require.NotNil(t, ceiling)
		assert.Equal(t, "50.000 KWD", ceiling.String())

		res = h.place(t, manualBid(a, bob, "30"))
		assert.Equal(t, bidding.BidStatusOutbid, res.Status)
		assert.Equal(t, "31.000 KWD", res.CurrentPrice.String())
	})

	t.Run("leader ceiling cannot drop below the top bid", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, manualBid(a, bob, "10"))
		h.place(t, manualBid(a, alice, "20"))

		lower := kwd("15")
		_, err := h.engine.PlaceBid(context.Background(), &bidding.PlaceBidRequest{
			AuctionID: a.ID, BidderID: alice, Amount: kwd("12"), IsProxy: true, MaxAmount: &lower,
		})
		appErr := requireCode(t, err, domainErrors.CodeBidTooLow)
		assert.Equal(t, "20.000", appErr.Details["minimum_bid"])
	})

	t.Run("leader may still buy now", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithBuyNow("100"))
		alice := uuid.New()

		h.place(t, manualBid(a, alice, "10"))
		res := h.place(t, manualBid(a, alice, "100"))

		assert.True(t, res.AuctionEnded)
		assert.Equal(t, auction.StatusEnded, h.auction(t, a.ID).Status)
	})
}

func TestPlaceBid_ProxyResolution(t *testing.T) {
	t.Run("proxy defends against a lower manual bid", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		first := h.place(t, proxyBid(a, alice, "10", "100"))
		require.Len(t, first.Bids, 1)
		assert.Equal(t, bid.KindManual, first.Bids[0].Kind)

		res := h.place(t, manualBid(a, bob, "50"))
		assert.Equal(t, bidding.BidStatusOutbid, res.Status)
		assert.False(t, res.IsWinning)
		assert.Equal(t, "51.000 KWD", res.CurrentPrice.String())
		assert.Equal(t, "52.000 KWD", res.MinimumNextBid.String())

		history := h.history(t, a.ID)
		assert.Equal(t, []string{"10.000", "50.000", "51.000"}, amounts(history))
		assert.Equal(t, bob, history[1].BidderID)
		assert.Equal(t, alice, history[2].BidderID)
		assert.Equal(t, bid.KindProxyGenerated, history[2].Kind)
		require.NotNil(t, history[2].ProxyMaxAmount)
		assert.Equal(t, "100.000 KWD", history[2].ProxyMaxAmount.String())

		placed := h.publisher.Placed()
		require.Len(t, placed, 2)
		assert.Equal(t, bob, placed[1].BidderID)
		assert.Equal(t, "51.000 KWD", placed[1].Amount.String())
		assert.Nil(t, placed[1].OutbidBidderID)
		require.NotNil(t, placed[1].BidID)
		assert.Equal(t, history[1].ID, *placed[1].BidID)

		top, err := h.engine.GetTopBids(context.Background(), a.ID, 0)
		require.NoError(t, err)
		require.Len(t, top, 3)
		assert.Equal(t, alice, top[0].BidderID)
	})

	t.Run("higher proxy wins one increment above the lower ceiling", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithIncrement("5"))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "100"))
		res := h.place(t, proxyBid(a, bob, "10", "150"))

		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.Equal(t, "105.000 KWD", res.CurrentPrice.String())
		assert.Equal(t, []string{"10.000", "100.000", "105.000"}, amounts(h.history(t, a.ID)))

		require.Len(t, res.Bids, 2)
		assert.Equal(t, alice, res.Bids[0].BidderID)
		assert.Equal(t, bid.KindProxyGenerated, res.Bids[0].Kind)
		assert.Equal(t, bob, res.Bids[1].BidderID)
		assert.Equal(t, bid.KindProxyGenerated, res.Bids[1].Kind)

		placed := h.publisher.Placed()
		require.NotNil(t, placed[1].OutbidBidderID)
		assert.Equal(t, alice, *placed[1].OutbidBidderID)
	})

	t.Run("equal ceilings go to the earlier proxy", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "50"))
		res := h.place(t, proxyBid(a, bob, "11", "50"))

		assert.Equal(t, bidding.BidStatusOutbid, res.Status)
		assert.Equal(t, "50.000 KWD", res.CurrentPrice.String())
		require.Len(t, res.Bids, 2)
		assert.Equal(t, bob, res.Bids[0].BidderID)
		assert.Equal(t, bid.KindManual, res.Bids[0].Kind)
		assert.Equal(t, alice, res.Bids[1].BidderID)

		top, err := h.engine.GetTopBids(context.Background(), a.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, alice, top[0].BidderID)
	})

	t.Run("manual bid matching the ceiling is not recorded", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "50"))
		res := h.place(t, manualBid(a, bob, "50"))

		assert.Equal(t, bidding.BidStatusOutbid, res.Status)
		require.Len(t, res.Bids, 1)
		assert.Equal(t, alice, res.Bids[0].BidderID)
		assert.Equal(t, []string{"10.000", "50.000"}, amounts(h.history(t, a.ID)))
	})

	t.Run("proxy opening is raised to the minimum", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, manualBid(a, alice, "20"))
		res := h.place(t, proxyBid(a, bob, "5", "40"))

		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		require.Len(t, res.Bids, 1)
		assert.Equal(t, "21.000 KWD", res.Bids[0].Amount.String())
		assert.Equal(t, bid.KindProxyGenerated, res.Bids[0].Kind)

		_, err := h.engine.PlaceBid(context.Background(), proxyBid(a, alice, "5", "21.5"))
		appErr := requireCode(t, err, domainErrors.CodeBidTooLow)
		assert.Equal(t, "22.000", appErr.Details["minimum_bid"])
	})
}

func TestPlaceBid_AntiSniping(t *testing.T) {
	t.Run("extends for each bid inside the window", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithAntiSniping())
		end := a.EndTime

		h.clock.Set(end.Add(-2 * time.Minute))
		res := h.place(t, manualBid(a, uuid.New(), "10"))
		assert.True(t, res.Extended)
		assert.Equal(t, end.Add(5*time.Minute), res.EndTime)

		h.clock.Set(end.Add(4 * time.Minute))
		res = h.place(t, manualBid(a, uuid.New(), "11"))
		assert.True(t, res.Extended)
		assert.Equal(t, end.Add(10*time.Minute), res.EndTime)

		assert.Equal(t, end.Add(10*time.Minute), h.auction(t, a.ID).EndTime)
		assert.Equal(t, 2, h.metrics.Snapshot().Extensions)
		assert.Equal(t, end.Add(10*time.Minute), h.publisher.Placed()[1].EndTime)
	})

	t.Run("bid exactly at the end is accepted and extends", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithAntiSniping())

		h.clock.Set(a.EndTime)
		res := h.place(t, manualBid(a, uuid.New(), "10"))
		assert.True(t, res.Extended)
		assert.Equal(t, a.EndTime.Add(5*time.Minute), res.EndTime)
	})

	t.Run("bid after the end is refused", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithAntiSniping())

		h.clock.Set(a.EndTime.Add(time.Second))
		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		requireCode(t, err, domainErrors.CodeAuctionClosed)
		assert.Equal(t, a.EndTime, h.auction(t, a.ID).EndTime)
	})

	tests := []struct {
		name        string
		antiSniping bool
		offset      time.Duration
	}{
		{name: "outside the window", antiSniping: true, offset: -6 * time.Minute},
		{name: "at the window boundary", antiSniping: true, offset: -5 * time.Minute},
		{name: "disabled", antiSniping: false, offset: -time.Minute},
	}
	for _, tt := range tests {
		t.Run("no extension "+tt.name, func(t *testing.T) {
			h := newHarness(t)
			b := fixtures.NewAuctionBuilder(baseTime)
			if tt.antiSniping {
				b.WithAntiSniping()
			}
			a := h.seed(t, b)

			h.clock.Set(a.EndTime.Add(tt.offset))
			res := h.place(t, manualBid(a, uuid.New(), "10"))
			assert.False(t, res.Extended)
			assert.Equal(t, a.EndTime, res.EndTime)
			assert.Zero(t, h.metrics.Snapshot().Extensions)
		})
	}

	t.Run("ceiling change does not extend", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithAntiSniping())
		alice := uuid.New()

		h.place(t, proxyBid(a, alice, "10", "20"))
		h.clock.Set(a.EndTime.Add(-time.Minute))
		res := h.place(t, proxyBid(a, alice, "10", "30"))
		assert.False(t, res.Extended)
		assert.Equal(t, a.EndTime, h.auction(t, a.ID).EndTime)
	})
}

func TestPlaceBid_BuyNow(t *testing.T) {
	t.Run("manual bid at the buy-now price closes the auction", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithBuyNow("100").WithReserve("150").WithAntiSniping())
		alice := uuid.New()

		h.clock.Set(a.EndTime.Add(-time.Minute))
		res := h.place(t, manualBid(a, alice, "100"))

		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.True(t, res.AuctionEnded)
		assert.False(t, res.Extended, "buy-now never extends")
		assert.False(t, res.ReserveMet)

		stored := h.auction(t, a.ID)
		assert.Equal(t, auction.StatusEnded, stored.Status)
		require.NotNil(t, stored.WinningBidID)
		assert.Equal(t, res.Bids[0].ID, *stored.WinningBidID)

		ended := h.publisher.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, bidding.EndCauseBuyNow, ended[0].Cause)
		require.NotNil(t, ended[0].WinnerID)
		assert.Equal(t, alice, *ended[0].WinnerID)
		assert.Equal(t, 1, h.metrics.Snapshot().Ended[bidding.EndCauseBuyNow])

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "120"))
		requireCode(t, err, domainErrors.CodeAuctionClosed)
	})

	t.Run("defending proxy is capped at the buy-now price", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithBuyNow("100"))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "500"))
		res := h.place(t, manualBid(a, bob, "99"))

		assert.Equal(t, bidding.BidStatusOutbid, res.Status)
		assert.True(t, res.AuctionEnded)
		assert.Equal(t, "100.000 KWD", res.CurrentPrice.String())
		assert.Equal(t, []string{"10.000", "99.000", "100.000"}, amounts(h.history(t, a.ID)))

		ended := h.publisher.Ended()
		require.Len(t, ended, 1)
		require.NotNil(t, ended[0].WinnerID)
		assert.Equal(t, alice, *ended[0].WinnerID)
		assert.Equal(t, *h.auction(t, a.ID).WinningBidID, *ended[0].WinningBidID)
	})

	t.Run("first entry reaching buy-now beats a higher ceiling", func(t *testing.T) {
		h := newHarness(t)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithBuyNow("100"))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, proxyBid(a, alice, "10", "60"))
		res := h.place(t, proxyBid(a, bob, "11", "300"))

		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.False(t, res.AuctionEnded, "the counter bid stays below buy-now")
		assert.Equal(t, "61.000 KWD", res.CurrentPrice.String())

		res = h.place(t, manualBid(a, alice, "100"))
		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.True(t, res.AuctionEnded)
		assert.Equal(t, "100.000 KWD", res.CurrentPrice.String())
		assert.Equal(t, []string{"10.000", "60.000", "61.000", "100.000"}, amounts(h.history(t, a.ID)))
	})

	t.Run("publishes the bid before the close", func(t *testing.T) {
		publisher := new(mocks.EventPublisher)
		h := newHarness(t, withDeps(func(deps *bidding.Dependencies) { deps.Publisher = publisher }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithBuyNow("100"))
		alice := uuid.New()

		placed := publisher.On("PublishBidPlaced", mock.Anything, mocks.BidPlacedFor(alice)).Return().Once()
		publisher.On("PublishAuctionEnded", mock.Anything, mocks.EndedWithCause(bidding.EndCauseBuyNow)).Return().Once().NotBefore(placed)

		h.place(t, manualBid(a, alice, "100"))
		publisher.AssertExpectations(t)
	})
}

func TestPlaceBid_Validation(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
	bidder := uuid.New()
	usd := values.MustParse("20", values.USD)
	manualMax := kwd("20")

	tests := []struct {
		name string
		req  *bidding.PlaceBidRequest
		code string
	}{
		{name: "nil request", req: nil, code: "INVALID_REQUEST"},
		{name: "nil auction", req: &bidding.PlaceBidRequest{BidderID: bidder, Amount: kwd("10")}, code: "INVALID_AUCTION"},
		{name: "nil bidder", req: &bidding.PlaceBidRequest{AuctionID: a.ID, Amount: kwd("10")}, code: "INVALID_BIDDER"},
		{name: "zero amount", req: &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: values.Zero(values.KWD)}, code: "INVALID_AMOUNT"},
		{name: "missing amount", req: &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder}, code: "INVALID_AMOUNT"},
		{name: "manual bid with ceiling", req: &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: kwd("10"), MaxAmount: &manualMax}, code: "INVALID_MAX_AMOUNT"},
		{name: "ceiling below amount", req: proxyBid(a, bidder, "15", "12"), code: "INVALID_MAX_AMOUNT"},
		{name: "ceiling in another currency", req: &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: kwd("10"), IsProxy: true, MaxAmount: &usd}, code: "CURRENCY_MISMATCH"},
		{name: "amount in another currency", req: &bidding.PlaceBidRequest{AuctionID: a.ID, BidderID: bidder, Amount: usd}, code: "CURRENCY_MISMATCH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.PlaceBid(context.Background(), tt.req)
			appErr := requireCode(t, err, tt.code)
			assert.Equal(t, 400, appErr.StatusCode)
		})
	}
	assert.Empty(t, h.history(t, a.ID))
}

func TestPlaceBid_Currency(t *testing.T) {
	t.Run("bids outside the configured currency are refused before rate limiting", func(t *testing.T) {
		limiter := &mocks.RateLimiter{}
		h := newHarness(t,
			withConfig(func(cfg *bidding.Config) { cfg.Currency = values.USD }),
			withDeps(func(deps *bidding.Dependencies) { deps.RateLimiter = limiter }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		appErr := requireCode(t, err, "CURRENCY_MISMATCH")
		assert.Equal(t, values.USD, appErr.Details["currency"])
		limiter.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything)
		assert.Empty(t, h.history(t, a.ID))
	})

	t.Run("empty currency defers to the auction", func(t *testing.T) {
		h := newHarness(t, withConfig(func(cfg *bidding.Config) { cfg.Currency = "" }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		res := h.place(t, manualBid(a, uuid.New(), "10"))
		assert.Equal(t, "10.000 KWD", res.CurrentPrice.String())
	})
}

func TestPlaceBid_AuctionState(t *testing.T) {
	tests := []struct {
		name   string
		status auction.Status
		code   string
	}{
		{name: "scheduled", status: auction.StatusScheduled, code: domainErrors.CodeInvalidState},
		{name: "ended", status: auction.StatusEnded, code: domainErrors.CodeAuctionClosed},
		{name: "cancelled", status: auction.StatusCancelled, code: domainErrors.CodeAuctionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithStatus(tt.status))

			_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
			requireCode(t, err, tt.code)
		})
	}

	t.Run("unknown auction", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.PlaceBid(context.Background(), &bidding.PlaceBidRequest{
			AuctionID: uuid.New(), BidderID: uuid.New(), Amount: kwd("10"),
		})
		requireCode(t, err, domainErrors.CodeNotFound)
	})
}

func TestPlaceBid_RateLimit(t *testing.T) {
	t.Run("throttled bidder is refused before any state is read", func(t *testing.T) {
		limiter := new(mocks.RateLimiter)
		h := newHarness(t, withDeps(func(deps *bidding.Dependencies) { deps.RateLimiter = limiter }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		bidder := uuid.New()
		limiter.On("Allow", mock.Anything, bidder).Return(false, nil).Once()

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, bidder, "10"))
		appErr := requireCode(t, err, domainErrors.CodeRateLimited)
		assert.Equal(t, 429, appErr.StatusCode)
		assert.Empty(t, h.history(t, a.ID))
		limiter.AssertExpectations(t)
	})

	t.Run("limiter failure admits the bid", func(t *testing.T) {
		limiter := new(mocks.RateLimiter)
		h := newHarness(t, withDeps(func(deps *bidding.Dependencies) { deps.RateLimiter = limiter }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		bidder := uuid.New()
		limiter.On("Allow", mock.Anything, bidder).Return(false, errors.New("redis unavailable")).Once()

		res := h.place(t, manualBid(a, bidder, "10"))
		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		limiter.AssertExpectations(t)
	})

	t.Run("local limiter throttles per bidder", func(t *testing.T) {
		var clock *bidding.ManualClock
		h := newHarness(t, withDeps(func(deps *bidding.Dependencies) {
			clock = deps.Clock.(*bidding.ManualClock)
			deps.RateLimiter = bidding.NewLocalRateLimiter(1, 1, clock)
		}))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		alice, bob := uuid.New(), uuid.New()

		h.place(t, manualBid(a, alice, "10"))
		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, alice, "20"))
		requireCode(t, err, domainErrors.CodeRateLimited)

		h.place(t, manualBid(a, bob, "11"))

		clock.Advance(time.Second)
		h.place(t, manualBid(a, alice, "20"))
	})
}

// flakyTransactor fails the first failures commits with the error from fail,
// or every commit when failures is negative.
type flakyTransactor struct {
	bidding.Transactor

	mu       sync.Mutex
	failures int
	fail     func() error
	calls    int
}

func (f *flakyTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, store bidding.AuctionStore, ledger bidding.BidLedger) error) error {
	f.mu.Lock()
	f.calls++
	failing := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()

	if failing {
		return f.fail()
	}
	return f.Transactor.WithinTx(ctx, fn)
}

func (f *flakyTransactor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func withFlakyTransactor(failures int, fail func() error) (harnessOption, *flakyTransactor) {
	flaky := &flakyTransactor{failures: failures, fail: fail}
	return withDeps(func(deps *bidding.Dependencies) {
		flaky.Transactor = deps.Transactor
		deps.Transactor = flaky
	}), flaky
}

func TestPlaceBid_Retries(t *testing.T) {
	versionConflict := func() error { return domainErrors.NewVersionConflictError("auction") }

	t.Run("exhausted budget reports busy", func(t *testing.T) {
		opt, flaky := withFlakyTransactor(-1, versionConflict)
		h := newHarness(t, opt, withConfig(func(cfg *bidding.Config) { cfg.MaxRetries = 2 }))
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		appErr := requireCode(t, err, domainErrors.CodeBusy)
		assert.Equal(t, 3, appErr.Details["attempts"])
		assert.Equal(t, 503, appErr.StatusCode)
		assert.True(t, appErr.Retryable)

		assert.Equal(t, 3, flaky.Calls())
		snap := h.metrics.Snapshot()
		assert.Equal(t, 3, snap.Retries)
		assert.Equal(t, 1, snap.Rejected[domainErrors.CodeBusy])
		assert.Empty(t, h.history(t, a.ID))
	})

	t.Run("transient conflicts are retried", func(t *testing.T) {
		opt, flaky := withFlakyTransactor(2, versionConflict)
		h := newHarness(t, opt)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		res := h.place(t, manualBid(a, uuid.New(), "10"))
		assert.Equal(t, bidding.BidStatusAccepted, res.Status)
		assert.Equal(t, 3, flaky.Calls())
		assert.Equal(t, 2, h.metrics.Snapshot().Retries)
		assert.Len(t, h.history(t, a.ID), 1)
	})

	t.Run("ledger ordering conflicts are retried", func(t *testing.T) {
		opt, _ := withFlakyTransactor(1, func() error { return domainErrors.NewOutOfOrderError("10.000", "10.000") })
		h := newHarness(t, opt)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		h.place(t, manualBid(a, uuid.New(), "10"))
		assert.Equal(t, 1, h.metrics.Snapshot().Retries)
	})

	t.Run("lock contention is retried then reported busy", func(t *testing.T) {
		locker := new(mocks.Locker)
		h := newHarness(t,
			withDeps(func(deps *bidding.Dependencies) { deps.Locker = locker }),
			withConfig(func(cfg *bidding.Config) { cfg.MaxRetries = 1 }),
		)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
		locker.On("Acquire", mock.Anything, a.ID).Return(nil, errors.New("held by another node"))

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		requireCode(t, err, domainErrors.CodeBusy)
		locker.AssertNumberOfCalls(t, "Acquire", 2)
	})

	t.Run("commit in doubt reports an unknown outcome", func(t *testing.T) {
		opt, flaky := withFlakyTransactor(-1, func() error {
			return fmt.Errorf("%w: connection reset", bidding.ErrCommitInDoubt)
		})
		h := newHarness(t, opt)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		appErr := requireCode(t, err, domainErrors.CodeOutcomeUnknown)
		assert.ErrorIs(t, appErr, bidding.ErrCommitInDoubt)
		assert.Equal(t, 1, flaky.Calls(), "an in-doubt commit is never retried")
	})

	t.Run("non-conflict errors are not retried", func(t *testing.T) {
		boom := errors.New("disk full")
		opt, flaky := withFlakyTransactor(-1, func() error { return boom })
		h := newHarness(t, opt)
		a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

		_, err := h.engine.PlaceBid(context.Background(), manualBid(a, uuid.New(), "10"))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, flaky.Calls())
	})
}

func TestPlaceBid_CancelledBeforeCommit(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.PlaceBid(ctx, manualBid(a, uuid.New(), "10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.history(t, a.ID))
	assert.Equal(t, a.Version, h.auction(t, a.ID).Version)
	assert.Equal(t, 1, h.metrics.Snapshot().Rejected["CANCELLED"])
}

func TestPlaceBid_Concurrent(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))

	const bidders = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		failures []error
	)
	for i := 0; i < bidders; i++ {
		amount := kwd("10").Plus(values.MustParse(fmt.Sprint(i), values.KWD))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.PlaceBid(context.Background(), &bidding.PlaceBidRequest{
				AuctionID: a.ID, BidderID: uuid.New(), Amount: amount,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case !domainErrors.HasCode(err, domainErrors.CodeBidTooLow):
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.GreaterOrEqual(t, accepted, 1)

	history := h.history(t, a.ID)
	require.Len(t, history, accepted)
	for i, b := range history {
		assert.Equal(t, int64(i+1), b.Sequence)
		if i > 0 {
			assert.True(t, b.Amount.GreaterThan(history[i-1].Amount), "ledger amounts must strictly increase")
		}
	}
	assert.Equal(t, "25.000", history[len(history)-1].Amount.Decimal())

	stored := h.auction(t, a.ID)
	assert.Equal(t, "25.000 KWD", stored.CurrentPrice.String())
	assert.Equal(t, a.Version+int64(accepted), stored.Version)
}

func TestPlaceBid_OptimisticConcurrency(t *testing.T) {
	tests := []struct {
		name    string
		opts    []harnessOption
		engines int
	}{
		{
			name:    "no lock on a single engine",
			opts:    []harnessOption{withDeps(func(deps *bidding.Dependencies) { deps.Locker = bidding.NoopLocker{} })},
			engines: 1,
		},
		{
			name:    "two engines sharing a store",
			engines: 2,
		},
	}

	const rounds = 25
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for round := 0; round < rounds; round++ {
				h := newHarness(t, tt.opts...)
				engines := []*bidding.Engine{h.engine}
				for len(engines) < tt.engines {
					engines = append(engines, h.peer(t))
				}

				a := h.seed(t, fixtures.NewAuctionBuilder(baseTime).WithIncrement("1"))
				h.place(t, manualBid(a, uuid.New(), "100"))

				var (
					wg    sync.WaitGroup
					start = make(chan struct{})
					errs  = make([]error, 2)
				)
				for i, amount := range []string{"101", "102"} {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, errs[i] = engines[i%len(engines)].PlaceBid(context.Background(), manualBid(a, uuid.New(), amount))
					}()
				}
				close(start)
				wg.Wait()

				require.NoError(t, errs[1], "round %d: 102 always clears the minimum", round)
				accepted := 2
				if errs[0] != nil {
					accepted = 1
					assert.True(t,
						domainErrors.HasCode(errs[0], domainErrors.CodeBidTooLow) || domainErrors.HasCode(errs[0], domainErrors.CodeBusy),
						"round %d: unexpected error %v", round, errs[0])
				}

				history := h.history(t, a.ID)
				require.Len(t, history, accepted+1)
				for i := 1; i < len(history); i++ {
					assert.True(t, history[i].Amount.GreaterThan(history[i-1].Amount), "round %d: ledger amounts must strictly increase", round)
				}
				assert.Equal(t, "102.000", history[len(history)-1].Amount.Decimal())

				stored := h.auction(t, a.ID)
				assert.Equal(t, "102.000 KWD", stored.CurrentPrice.String())
				assert.Equal(t, a.Version+int64(accepted+1), stored.Version)
			}
		})
	}
}

func TestGetTopBids(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *bidding.Config) { cfg.MaxTopBids = 5 }))
	a := h.seed(t, fixtures.NewAuctionBuilder(baseTime))
	for _, b := range fixtures.CompetingBids(t, a.ID, "10", "1", 8) {
		_, err := h.store.Append(context.Background(), b)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "default limit is capped", limit: 0, want: []string{"17.000", "16.000", "15.000", "14.000", "13.000"}},
		{name: "explicit limit", limit: 2, want: []string{"17.000", "16.000"}},
		{name: "limit above maximum", limit: 1000, want: []string{"17.000", "16.000", "15.000", "14.000", "13.000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top, err := h.engine.GetTopBids(context.Background(), a.ID, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amounts(top))
		})
	}

	t.Run("unknown auction", func(t *testing.T) {
		_, err := h.engine.GetTopBids(context.Background(), uuid.New(), 0)
		requireCode(t, err, domainErrors.CodeNotFound)
	})

	t.Run("history keeps commit order", func(t *testing.T) {
		history, err := h.engine.GetBidHistory(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Len(t, history, 8)
		assert.Equal(t, "10.000", history[0].Amount.Decimal())
	})
}
