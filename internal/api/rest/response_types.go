package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

type BidResponse struct {
	ID       uuid.UUID    `json:"id"`
	BidderID uuid.UUID    `json:"bidder_id"`
	Amount   values.Money `json:"amount"`
	Kind     string       `json:"kind"`
	PlacedAt time.Time    `json:"placed_at"`
	Sequence int64        `json:"sequence"`
}

type BidListResponse struct {
	AuctionID uuid.UUID     `json:"auction_id"`
	Bids      []BidResponse `json:"bids"`
}

type PlaceBidResponse struct {
	Status         string        `json:"status"`
	CurrentPrice   values.Money  `json:"current_price"`
	EndTime        time.Time     `json:"end_time"`
	IsWinning      bool          `json:"is_winning"`
	AuctionEnded   bool          `json:"auction_ended"`
	Extended       bool          `json:"extended"`
	ReserveMet     bool          `json:"reserve_met"`
	MinimumNextBid values.Money  `json:"minimum_next_bid"`
	Bids           []BidResponse `json:"bids"`
}

// AuctionResponse is the public auction snapshot. The reserve price itself
// is never disclosed.
type AuctionResponse struct {
	ID                 uuid.UUID     `json:"id"`
	OwnerID            uuid.UUID     `json:"owner_id"`
	Status             string        `json:"status"`
	CurrentPrice       values.Money  `json:"current_price"`
	StartPrice         values.Money  `json:"start_price"`
	MinIncrement       values.Money  `json:"min_increment"`
	ReserveMet         bool          `json:"reserve_met"`
	BuyNowPrice        *values.Money `json:"buy_now_price,omitempty"`
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
	AntiSnipingEnabled bool          `json:"anti_sniping_enabled"`
	WinningBidID       *uuid.UUID    `json:"winning_bid_id,omitempty"`
	Version            int64         `json:"version"`
}

func newBidResponses(bids []*bid.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidResponse{
			ID:       b.ID,
			BidderID: b.BidderID,
			Amount:   b.Amount,
			Kind:     b.Kind.String(),
			PlacedAt: b.PlacedAt,
			Sequence: b.Sequence,
		})
	}
	return out
}

func newPlaceBidResponse(res *bidding.PlaceBidResult) PlaceBidResponse {
	return PlaceBidResponse{
		Status:         string(res.Status),
		CurrentPrice:   res.CurrentPrice,
		EndTime:        res.EndTime,
		IsWinning:      res.IsWinning,
		AuctionEnded:   res.AuctionEnded,
		Extended:       res.Extended,
		ReserveMet:     res.ReserveMet,
		MinimumNextBid: res.MinimumNextBid,
		Bids:           newBidResponses(res.Bids),
	}
}

func newAuctionResponse(a *auction.Auction) AuctionResponse {
	return AuctionResponse{
		ID:                 a.ID,
		OwnerID:            a.OwnerID,
		Status:             a.Status.String(),
		CurrentPrice:       a.CurrentPrice,
		StartPrice:         a.StartPrice,
		MinIncrement:       a.MinIncrement,
		ReserveMet:         a.ReserveMet(a.CurrentPrice),
		BuyNowPrice:        a.BuyNowPrice,
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		AntiSnipingEnabled: a.AntiSnipingEnabled,
		WinningBidID:       a.WinningBidID,
		Version:            a.Version,
	}
}
