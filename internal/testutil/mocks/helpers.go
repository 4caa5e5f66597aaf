package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// BidPlacedFor matches a BidPlaced event for the given bidder
func BidPlacedFor(bidder interface{ String() string }) interface{} {
	return mock.MatchedBy(func(evt bidding.BidPlaced) bool {
		return evt.BidderID.String() == bidder.String()
	})
}

// EndedWithCause matches an AuctionEnded event with the given cause
func EndedWithCause(cause string) interface{} {
	return mock.MatchedBy(func(evt bidding.AuctionEnded) bool {
		return evt.Cause == cause
	})
}
