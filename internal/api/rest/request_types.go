package rest

import (
	"github.com/google/uuid"

	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// PlaceBidRequest is the body of POST /api/v1/auctions/{auctionID}/bids.
// Amounts travel as decimal strings so they never pass through a float.
type PlaceBidRequest struct {
	Amount    string  `json:"amount" validate:"required,numeric"`
	Currency  string  `json:"currency" validate:"required,len=3,alpha"`
	IsProxy   bool    `json:"is_proxy"`
	MaxAmount *string `json:"max_amount,omitempty" validate:"omitempty,numeric"`
}

// ToDomain builds the engine request for the authenticated bidder.
func (r *PlaceBidRequest) ToDomain(auctionID, bidderID uuid.UUID) (*bidding.PlaceBidRequest, error) {
	amount, err := values.NewMoneyFromString(r.Amount, r.Currency)
	if err != nil {
		return nil, domainErrors.NewValidationError("INVALID_AMOUNT", err.Error()).
			WithDetails(map[string]interface{}{"field": "amount"})
	}

	req := &bidding.PlaceBidRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		IsProxy:   r.IsProxy,
	}

	if r.MaxAmount != nil {
		ceiling, err := values.NewMoneyFromString(*r.MaxAmount, r.Currency)
		if err != nil {
			return nil, domainErrors.NewValidationError("INVALID_MAX_AMOUNT", err.Error()).
				WithDetails(map[string]interface{}{"field": "max_amount"})
		}
		req.MaxAmount = &ceiling
	}
	return req, nil
}
