package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// Repositories holds all repository instances
type Repositories struct {
	Auctions   bidding.AuctionStore
	Bids       bidding.BidLedger
	Transactor bidding.Transactor
	Creator    AuctionCreator
}

// NewRepositories creates the PostgreSQL-backed repository collection
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	auctions := NewAuctionRepository(pool)
	return &Repositories{
		Auctions:   auctions,
		Bids:       NewBidRepository(pool),
		Transactor: NewPgTransactor(pool),
		Creator:    auctions,
	}
}

// NewMemoryRepositories creates a single-process repository collection
func NewMemoryRepositories() *Repositories {
	store := NewMemoryStore()
	return &Repositories{
		Auctions:   store,
		Bids:       store,
		Transactor: store,
		Creator:    store,
	}
}
