package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
)

type Auction struct {
	ID       uuid.UUID `json:"id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	Currency string    `json:"currency"`

	// Pricing
	StartPrice   values.Money  `json:"start_price"`
	CurrentPrice values.Money  `json:"current_price"`
	MinIncrement values.Money  `json:"min_increment"`
	ReservePrice *values.Money `json:"reserve_price,omitempty"`
	BuyNowPrice  *values.Money `json:"buy_now_price,omitempty"`

	// Timing
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	AntiSnipingEnabled bool      `json:"anti_sniping_enabled"`

	Status       Status     `json:"status"`
	WinningBidID *uuid.UUID `json:"winning_bid_id,omitempty"`

	// Optimistic concurrency token, bumped on every successful write
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status int

const (
	StatusScheduled Status = iota
	StatusActive
	StatusEnded
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "scheduled":
		return StatusScheduled, nil
	case "active":
		return StatusActive, nil
	case "ended":
		return StatusEnded, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown auction status %q", s)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(data []byte) error {
	parsed, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// CanTransitionTo enforces the monotonic lifecycle
// scheduled -> active -> ended, with cancellation from either open state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusScheduled:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusEnded || next == StatusCancelled
	default:
		return false
	}
}

// Outcome is the complete mutation surface a committed bid may write.
type Outcome struct {
	CurrentPrice values.Money
	EndTime      time.Time
	Status       Status
	WinningBidID *uuid.UUID
}

// Params describes a new listing handed over by the listing flow.
type Params struct {
	OwnerID            uuid.UUID
	StartPrice         values.Money
	MinIncrement       values.Money
	ReservePrice       *values.Money
	BuyNowPrice        *values.Money
	StartTime          time.Time
	EndTime            time.Time
	AntiSnipingEnabled bool
}

// NewAuction validates params and returns an auction that is active when
// startTime has been reached and scheduled otherwise.
func NewAuction(p Params, now time.Time) (*Auction, error) {
	if p.OwnerID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_OWNER", "owner ID cannot be nil")
	}

	currency := p.StartPrice.Currency()
	if currency == "" {
		return nil, errors.NewValidationError("INVALID_CURRENCY", "start price must carry a currency")
	}

	if p.StartPrice.IsNegative() {
		return nil, errors.NewValidationError("INVALID_START_PRICE", "start price cannot be negative")
	}

	if !p.MinIncrement.SameCurrency(p.StartPrice) || !p.MinIncrement.IsPositive() {
		return nil, errors.NewValidationError("INVALID_INCREMENT",
			fmt.Sprintf("minimum increment must be a positive %s amount", currency))
	}

	for name, price := range map[string]*values.Money{"reserve": p.ReservePrice, "buy-now": p.BuyNowPrice} {
		if price == nil {
			continue
		}
		if !price.SameCurrency(p.StartPrice) || price.IsNegative() {
			return nil, errors.NewValidationError("INVALID_PRICE",
				fmt.Sprintf("%s price must be a non-negative %s amount", name, currency))
		}
	}

	if p.BuyNowPrice != nil && p.BuyNowPrice.LessThan(p.StartPrice) {
		return nil, errors.NewValidationError("INVALID_PRICE", "buy-now price cannot be below start price")
	}

	if !p.EndTime.After(p.StartTime) {
		return nil, errors.NewValidationError("INVALID_SCHEDULE", "end time must be after start time")
	}

	status := StatusScheduled
	if !now.Before(p.StartTime) {
		status = StatusActive
	}

	return &Auction{
		ID:                 uuid.New(),
		OwnerID:            p.OwnerID,
		Currency:           currency,
		StartPrice:         p.StartPrice,
		CurrentPrice:       p.StartPrice,
		MinIncrement:       p.MinIncrement,
		ReservePrice:       p.ReservePrice,
		BuyNowPrice:        p.BuyNowPrice,
		StartTime:          p.StartTime,
		EndTime:            p.EndTime,
		AntiSnipingEnabled: p.AntiSnipingEnabled,
		Status:             status,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// IsOwner reports whether the given identity listed this auction.
func (a *Auction) IsOwner(id uuid.UUID) bool {
	return a.OwnerID == id
}

// AcceptsBidsAt reports whether a bid placed at now may be accepted.
// A bid exactly at EndTime is still in time.
func (a *Auction) AcceptsBidsAt(now time.Time) bool {
	return a.Status == StatusActive && !now.After(a.EndTime)
}

// IsExpiredAt reports whether an active auction has run past its end time.
func (a *Auction) IsExpiredAt(now time.Time) bool {
	return a.Status == StatusActive && now.After(a.EndTime)
}

// ReserveMet reports whether price satisfies the reserve; true when unset.
func (a *Auction) ReserveMet(price values.Money) bool {
	return a.ReservePrice == nil || price.GreaterThanOrEqual(*a.ReservePrice)
}

// BuyNowReached reports whether price triggers the buy-now close.
func (a *Auction) BuyNowReached(price values.Money) bool {
	return a.BuyNowPrice != nil && price.GreaterThanOrEqual(*a.BuyNowPrice)
}

// Apply validates and applies a bid outcome, bumping the version.
func (a *Auction) Apply(o Outcome, now time.Time) error {
	if !o.CurrentPrice.SameCurrency(a.StartPrice) {
		return errors.NewValidationError("CURRENCY_MISMATCH",
			fmt.Sprintf("outcome currency %s does not match auction currency %s", o.CurrentPrice.Currency(), a.Currency))
	}
	if o.CurrentPrice.LessThan(a.StartPrice) {
		return errors.NewValidationError("INVALID_PRICE", "current price cannot drop below start price")
	}
	if !o.EndTime.After(a.StartTime) {
		return errors.NewValidationError("INVALID_SCHEDULE", "end time must be after start time")
	}
	if o.Status != a.Status && !a.Status.CanTransitionTo(o.Status) {
		return errors.NewInvalidStateError(fmt.Sprintf("cannot move auction from %s to %s", a.Status, o.Status))
	}

	a.CurrentPrice = o.CurrentPrice
	a.EndTime = o.EndTime
	a.Status = o.Status
	if o.WinningBidID != nil {
		id := *o.WinningBidID
		a.WinningBidID = &id
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

// TransitionTo moves the auction through its lifecycle, bumping the version.
func (a *Auction) TransitionTo(next Status, winningBidID *uuid.UUID, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return errors.NewInvalidStateError(fmt.Sprintf("cannot move auction from %s to %s", a.Status, next))
	}

	a.Status = next
	if winningBidID != nil {
		id := *winningBidID
		a.WinningBidID = &id
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.ReservePrice != nil {
		r := *a.ReservePrice
		c.ReservePrice = &r
	}
	if a.BuyNowPrice != nil {
		b := *a.BuyNowPrice
		c.BuyNowPrice = &b
	}
	if a.WinningBidID != nil {
		w := *a.WinningBidID
		c.WinningBidID = &w
	}
	return &c
}
