package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// ErrCommitInDoubt marks a commit failure after which the transaction may or
// may not have been applied.
var ErrCommitInDoubt = errors.New("commit outcome in doubt")

// AuctionStore holds auction state behind an optimistic version check.
type AuctionStore interface {
	// Get returns the auction in any status
	Get(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	// GetForBidding returns the auction if it is active, InvalidState otherwise
	GetForBidding(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	// ApplyBidOutcome writes price, end time and status if the version still
	// matches and the auction is still active; fails with Conflict otherwise
	ApplyBidOutcome(ctx context.Context, id uuid.UUID, expectedVersion int64, outcome auction.Outcome) error
	// Transition changes status along the lifecycle under the same version check
	Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, next auction.Status, winningBidID *uuid.UUID) error
	// ListDue returns auctions in a status whose deadline precedes a cut-off
	ListDue(ctx context.Context, filter DueFilter) ([]*auction.Auction, error)
}

// DueFilter selects auctions for lifecycle sweeps. Active auctions are
// matched on end time, scheduled ones on start time.
type DueFilter struct {
	Status auction.Status
	Before time.Time
	Limit  int
}

// BidLedger is the append-only record of bids per auction.
type BidLedger interface {
	// Append records a bid whose amount strictly exceeds the current top bid,
	// assigning its sequence; fails with OutOfOrder otherwise
	Append(ctx context.Context, b *bid.Bid) (uuid.UUID, error)
	// TopBid returns the highest bid, or nil when the auction has none
	TopBid(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error)
	// TopBids returns up to limit bids, best first
	TopBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*bid.Bid, error)
	// History returns every bid in commit order
	History(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error)
	// ProxyCeiling returns the bidder's standing ceiling, or nil
	ProxyCeiling(ctx context.Context, auctionID, bidderID uuid.UUID) (*values.Money, error)
	// SetProxyCeiling replaces the bidder's standing ceiling
	SetProxyCeiling(ctx context.Context, proxy bid.StandingProxy) error
}

// Transactor runs fn atomically against transaction-scoped store and ledger.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, store AuctionStore, ledger BidLedger) error) error
}

// Locker serializes bid evaluation per auction. It only reduces contention;
// the version check in ApplyBidOutcome is authoritative.
type Locker interface {
	Acquire(ctx context.Context, auctionID uuid.UUID) (release func(), err error)
}

// RateLimiter throttles bidders before any auction state is read.
type RateLimiter interface {
	Allow(ctx context.Context, bidderID uuid.UUID) (bool, error)
}

// EventPublisher hands committed events to the outbound pipeline. It must
// not block.
type EventPublisher interface {
	PublishBidPlaced(ctx context.Context, evt BidPlaced)
	PublishAuctionEnded(ctx context.Context, evt AuctionEnded)
}

// MetricsCollector defines the interface for metrics
type MetricsCollector interface {
	// RecordBidAccepted records a committed bid request
	RecordBidAccepted(ctx context.Context, kind string, amount float64)
	// RecordBidRejected records a rejected request by error code
	RecordBidRejected(ctx context.Context, reason string)
	// RecordCommitRetry records an optimistic conflict that triggered a retry
	RecordCommitRetry(ctx context.Context)
	// RecordExtension records an anti-sniping extension
	RecordExtension(ctx context.Context)
	// RecordAuctionEnded records an auction close by cause
	RecordAuctionEnded(ctx context.Context, cause string)
	// RecordPlaceBidLatency records end-to-end PlaceBid latency
	RecordPlaceBidLatency(ctx context.Context, d time.Duration)
}

// PlaceBidRequest represents a bid placement request
type PlaceBidRequest struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    values.Money
	IsProxy   bool
	// Ceiling for proxy bids; defaults to Amount
	MaxAmount *values.Money
}

// BidStatus tells the caller whether their bid ended up on top.
type BidStatus string

const (
	BidStatusAccepted BidStatus = "accepted"
	BidStatusOutbid   BidStatus = "outbid"
)

// PlaceBidResult represents the settled outcome of a bid request
type PlaceBidResult struct {
	AuctionID      uuid.UUID
	Status         BidStatus
	CurrentPrice   values.Money
	EndTime        time.Time
	IsWinning      bool
	AuctionEnded   bool
	Extended       bool
	ReserveMet     bool
	MinimumNextBid values.Money
	// Ledger entries written by this request, in commit order
	Bids []*bid.Bid
}

// Ending causes reported with AuctionEnded
const (
	EndCauseBuyNow    = "buy_now"
	EndCauseExpired   = "expired"
	EndCauseCancelled = "cancelled"
)

// BidPlaced is emitted after a bid request commits.
type BidPlaced struct {
	AuctionID      uuid.UUID
	BidderID       uuid.UUID
	BidID          *uuid.UUID
	Amount         values.Money
	OutbidBidderID *uuid.UUID
	AuctionEnded   bool
	EndTime        time.Time
	OccurredAt     time.Time
}

// AuctionEnded is emitted when an auction closes for any reason.
type AuctionEnded struct {
	AuctionID    uuid.UUID
	WinningBidID *uuid.UUID
	WinnerID     *uuid.UUID
	FinalPrice   values.Money
	ReserveMet   bool
	Cause        string
	OccurredAt   time.Time
}
