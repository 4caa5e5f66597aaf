package repository

import (
	"context"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
)

// AuctionCreator stores newly listed auctions. Listing is owned by an
// external flow; the engine itself only reads and updates auctions.
type AuctionCreator interface {
	Create(ctx context.Context, a *auction.Auction) error
}
