package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

type proxyKey struct {
	auctionID uuid.UUID
	bidderID  uuid.UUID
}

// MemoryStore keeps auctions, the bid ledger and standing proxies in
// process. Transactions are serialized and staged until fn returns.
type MemoryStore struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]*auction.Auction
	bids     map[uuid.UUID][]*bid.Bid
	proxies  map[proxyKey]bid.StandingProxy
	now      func() time.Time
}

var (
	_ bidding.AuctionStore = (*MemoryStore)(nil)
	_ bidding.BidLedger    = (*MemoryStore)(nil)
	_ bidding.Transactor   = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[uuid.UUID]*auction.Auction),
		bids:     make(map[uuid.UUID][]*bid.Bid),
		proxies:  make(map[proxyKey]bid.StandingProxy),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new auction
func (s *MemoryStore) Create(_ context.Context, a *auction.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[a.ID]; exists {
		return domainErrors.NewValidationError("DUPLICATE_KEY", "auction already exists")
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

// WithinTx runs fn against a staged view of the store. Staged writes become
// visible only when fn returns nil.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store bidding.AuctionStore, ledger bidding.BidLedger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin()
	if err := fn(ctx, tx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) run(fn func(tx *memoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (a *auction.Auction, err error) {
	err = s.run(func(tx *memoryTx) error {
		a, err = tx.Get(ctx, id)
		return err
	})
	return a, err
}

func (s *MemoryStore) GetForBidding(ctx context.Context, id uuid.UUID) (a *auction.Auction, err error) {
	err = s.run(func(tx *memoryTx) error {
		a, err = tx.GetForBidding(ctx, id)
		return err
	})
	return a, err
}

func (s *MemoryStore) ApplyBidOutcome(ctx context.Context, id uuid.UUID, expectedVersion int64, o auction.Outcome) error {
	return s.run(func(tx *memoryTx) error {
		return tx.ApplyBidOutcome(ctx, id, expectedVersion, o)
	})
}

func (s *MemoryStore) Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, next auction.Status, winningBidID *uuid.UUID) error {
	return s.run(func(tx *memoryTx) error {
		return tx.Transition(ctx, id, expectedVersion, next, winningBidID)
	})
}

func (s *MemoryStore) ListDue(ctx context.Context, filter bidding.DueFilter) (out []*auction.Auction, err error) {
	err = s.run(func(tx *memoryTx) error {
		out, err = tx.ListDue(ctx, filter)
		return err
	})
	return out, err
}

func (s *MemoryStore) Append(ctx context.Context, b *bid.Bid) (id uuid.UUID, err error) {
	err = s.run(func(tx *memoryTx) error {
		id, err = tx.Append(ctx, b)
		return err
	})
	return id, err
}

func (s *MemoryStore) TopBid(ctx context.Context, auctionID uuid.UUID) (top *bid.Bid, err error) {
	err = s.run(func(tx *memoryTx) error {
		top, err = tx.TopBid(ctx, auctionID)
		return err
	})
	return top, err
}

func (s *MemoryStore) TopBids(ctx context.Context, auctionID uuid.UUID, limit int) (out []*bid.Bid, err error) {
	err = s.run(func(tx *memoryTx) error {
		out, err = tx.TopBids(ctx, auctionID, limit)
		return err
	})
	return out, err
}

func (s *MemoryStore) History(ctx context.Context, auctionID uuid.UUID) (out []*bid.Bid, err error) {
	err = s.run(func(tx *memoryTx) error {
		out, err = tx.History(ctx, auctionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ProxyCeiling(ctx context.Context, auctionID, bidderID uuid.UUID) (ceiling *values.Money, err error) {
	err = s.run(func(tx *memoryTx) error {
		ceiling, err = tx.ProxyCeiling(ctx, auctionID, bidderID)
		return err
	})
	return ceiling, err
}

func (s *MemoryStore) SetProxyCeiling(ctx context.Context, proxy bid.StandingProxy) error {
	return s.run(func(tx *memoryTx) error {
		return tx.SetProxyCeiling(ctx, proxy)
	})
}

// memoryTx is only used while the store mutex is held.
type memoryTx struct {
	store    *MemoryStore
	auctions map[uuid.UUID]*auction.Auction
	appended map[uuid.UUID][]*bid.Bid
	proxies  map[proxyKey]bid.StandingProxy
}

func (s *MemoryStore) begin() *memoryTx {
	return &memoryTx{
		store:    s,
		auctions: make(map[uuid.UUID]*auction.Auction),
		appended: make(map[uuid.UUID][]*bid.Bid),
		proxies:  make(map[proxyKey]bid.StandingProxy),
	}
}

func (tx *memoryTx) commit() {
	s := tx.store
	for id, a := range tx.auctions {
		s.auctions[id] = a
	}
	for id, bids := range tx.appended {
		s.bids[id] = append(s.bids[id], bids...)
	}
	for key, p := range tx.proxies {
		s.proxies[key] = p
	}
}

// auction returns the staged copy of an auction, staging it on first use.
func (tx *memoryTx) auction(id uuid.UUID) (*auction.Auction, error) {
	if a, ok := tx.auctions[id]; ok {
		return a, nil
	}
	a, ok := tx.store.auctions[id]
	if !ok {
		return nil, domainErrors.NewNotFoundError("auction")
	}
	staged := a.Clone()
	tx.auctions[id] = staged
	return staged, nil
}

func (tx *memoryTx) ledger(auctionID uuid.UUID) []*bid.Bid {
	committed := tx.store.bids[auctionID]
	staged := tx.appended[auctionID]
	out := make([]*bid.Bid, 0, len(committed)+len(staged))
	out = append(out, committed...)
	return append(out, staged...)
}

func (tx *memoryTx) Get(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	a, err := tx.auction(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (tx *memoryTx) GetForBidding(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	a, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != auction.StatusActive {
		return nil, domainErrors.NewInvalidStateError(fmt.Sprintf("auction is %s", a.Status))
	}
	return a, nil
}

func (tx *memoryTx) ApplyBidOutcome(_ context.Context, id uuid.UUID, expectedVersion int64, o auction.Outcome) error {
	a, err := tx.auction(id)
	if err != nil {
		return err
	}
	if a.Version != expectedVersion {
		return domainErrors.NewVersionConflictError("auction")
	}
	if a.Status != auction.StatusActive {
		return domainErrors.NewInvalidStateError(fmt.Sprintf("auction is %s", a.Status))
	}
	if o.Status != auction.StatusActive && o.Status != auction.StatusEnded {
		return domainErrors.NewInvalidStateError(fmt.Sprintf("a bid cannot move an auction to %s", o.Status))
	}
	return a.Apply(o, tx.store.now())
}

func (tx *memoryTx) Transition(_ context.Context, id uuid.UUID, expectedVersion int64, next auction.Status, winningBidID *uuid.UUID) error {
	a, err := tx.auction(id)
	if err != nil {
		return err
	}
	if a.Version != expectedVersion {
		return domainErrors.NewVersionConflictError("auction")
	}
	return a.TransitionTo(next, winningBidID, tx.store.now())
}

func (tx *memoryTx) ListDue(_ context.Context, filter bidding.DueFilter) ([]*auction.Auction, error) {
	deadline := func(a *auction.Auction) time.Time {
		if filter.Status == auction.StatusScheduled {
			return a.StartTime
		}
		return a.EndTime
	}

	var due []*auction.Auction
	for id := range tx.store.auctions {
		a, err := tx.auction(id)
		if err != nil {
			return nil, err
		}
		if a.Status == filter.Status && !deadline(a).After(filter.Before) {
			due = append(due, a.Clone())
		}
	}

	slices.SortFunc(due, func(x, y *auction.Auction) int {
		return deadline(x).Compare(deadline(y))
	})
	if filter.Limit > 0 && len(due) > filter.Limit {
		due = due[:filter.Limit]
	}
	return due, nil
}

func (tx *memoryTx) Append(_ context.Context, b *bid.Bid) (uuid.UUID, error) {
	if _, err := tx.auction(b.AuctionID); err != nil {
		return uuid.Nil, err
	}

	ledger := tx.ledger(b.AuctionID)
	var top *bid.Bid
	for _, existing := range ledger {
		if top == nil || existing.Amount.GreaterThan(top.Amount) {
			top = existing
		}
	}
	if top != nil && !b.Amount.GreaterThan(top.Amount) {
		return uuid.Nil, domainErrors.NewOutOfOrderError(b.Amount.Decimal(), top.Amount.Decimal())
	}

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Sequence = int64(len(ledger)) + 1

	stored := *b
	tx.appended[b.AuctionID] = append(tx.appended[b.AuctionID], &stored)
	return b.ID, nil
}

func (tx *memoryTx) TopBid(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	bids, err := tx.TopBids(ctx, auctionID, 1)
	if err != nil || len(bids) == 0 {
		return nil, err
	}
	return bids[0], nil
}

func (tx *memoryTx) TopBids(_ context.Context, auctionID uuid.UUID, limit int) ([]*bid.Bid, error) {
	ranked := copyBids(tx.ledger(auctionID))
	bid.Rank(ranked)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (tx *memoryTx) History(_ context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	return copyBids(tx.ledger(auctionID)), nil
}

func (tx *memoryTx) ProxyCeiling(_ context.Context, auctionID, bidderID uuid.UUID) (*values.Money, error) {
	key := proxyKey{auctionID: auctionID, bidderID: bidderID}
	p, ok := tx.proxies[key]
	if !ok {
		p, ok = tx.store.proxies[key]
	}
	if !ok {
		return nil, nil
	}
	ceiling := p.MaxAmount
	return &ceiling, nil
}

func (tx *memoryTx) SetProxyCeiling(_ context.Context, proxy bid.StandingProxy) error {
	if _, err := tx.auction(proxy.AuctionID); err != nil {
		return err
	}
	if proxy.UpdatedAt.IsZero() {
		proxy.UpdatedAt = tx.store.now()
	}
	tx.proxies[proxyKey{auctionID: proxy.AuctionID, bidderID: proxy.BidderID}] = proxy
	return nil
}

func copyBids(in []*bid.Bid) []*bid.Bid {
	out := make([]*bid.Bid, len(in))
	for i, b := range in {
		c := *b
		out[i] = &c
	}
	return out
}
