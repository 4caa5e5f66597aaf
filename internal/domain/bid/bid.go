package bid

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

// Bid is an immutable ledger entry.
type Bid struct {
	ID        uuid.UUID    `json:"id"`
	AuctionID uuid.UUID    `json:"auction_id"`
	BidderID  uuid.UUID    `json:"bidder_id"`
	Amount    values.Money `json:"amount"`
	Kind      Kind         `json:"kind"`

	// Ceiling the bidder submitted with this bid, if any
	ProxyMaxAmount *values.Money `json:"proxy_max_amount,omitempty"`

	PlacedAt time.Time `json:"placed_at"`

	// Commit position within the auction, assigned by the ledger
	Sequence int64 `json:"sequence"`
}

type Kind int

const (
	KindManual Kind = iota
	KindProxyGenerated
)

func (k Kind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindProxyGenerated:
		return "proxy_generated"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "manual":
		return KindManual, nil
	case "proxy_generated":
		return KindProxyGenerated, nil
	default:
		return 0, fmt.Errorf("unknown bid kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(data []byte) error {
	parsed, err := ParseKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func NewBid(auctionID, bidderID uuid.UUID, amount values.Money, kind Kind, placedAt time.Time) (*Bid, error) {
	if auctionID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_AUCTION", "auction ID cannot be nil")
	}

	if bidderID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_BIDDER", "bidder ID cannot be nil")
	}

	if amount.Currency() == "" || amount.IsNegative() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "bid amount must be a non-negative monetary amount")
	}

	return &Bid{
		ID:        uuid.New(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Kind:      kind,
		PlacedAt:  placedAt,
	}, nil
}

// WithProxyMax attaches the ceiling the bidder submitted alongside this bid.
func (b *Bid) WithProxyMax(ceiling values.Money) *Bid {
	b.ProxyMaxAmount = &ceiling
	return b
}

// Outranks orders bids by amount descending, then earliest placement,
// then earliest commit.
func Outranks(a, b *Bid) bool {
	if c := a.Amount.Compare(b.Amount); c != 0 {
		return c > 0
	}
	if !a.PlacedAt.Equal(b.PlacedAt) {
		return a.PlacedAt.Before(b.PlacedAt)
	}
	return a.Sequence < b.Sequence
}

// Rank sorts bids best first.
func Rank(bids []*Bid) {
	slices.SortStableFunc(bids, func(a, b *Bid) int {
		switch {
		case Outranks(a, b):
			return -1
		case Outranks(b, a):
			return 1
		default:
			return 0
		}
	})
}

// StandingProxy is a bidder's current ceiling on one auction. A new proxy
// bid replaces it.
type StandingProxy struct {
	AuctionID uuid.UUID    `json:"auction_id"`
	BidderID  uuid.UUID    `json:"bidder_id"`
	MaxAmount values.Money `json:"max_amount"`
	UpdatedAt time.Time    `json:"updated_at"`
}
