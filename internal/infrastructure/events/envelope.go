package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// EventType names an outbound event
type EventType string

const (
	TypeBidPlaced    EventType = "bid.placed"
	TypeAuctionEnded EventType = "auction.ended"
)

// SchemaVersion is the payload version written into every envelope
const SchemaVersion = "1"

// Envelope wraps an event payload with the metadata consumers route and
// de-duplicate on.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  EventType       `json:"event_type"`
	Version    string          `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	AuctionID  uuid.UUID       `json:"auction_id"`
	Data       json.RawMessage `json:"data"`
}

// BidPlacedData is the payload of bid.placed
type BidPlacedData struct {
	AuctionID      uuid.UUID    `json:"auction_id"`
	BidderID       uuid.UUID    `json:"bidder_id"`
	BidID          *uuid.UUID   `json:"bid_id,omitempty"`
	Amount         values.Money `json:"amount"`
	OutbidBidderID *uuid.UUID   `json:"outbid_bidder_id,omitempty"`
	AuctionEnded   bool         `json:"auction_ended"`
	EndTime        time.Time    `json:"end_time"`
}

// AuctionEndedData is the payload of auction.ended
type AuctionEndedData struct {
	AuctionID    uuid.UUID    `json:"auction_id"`
	WinningBidID *uuid.UUID   `json:"winning_bid_id,omitempty"`
	WinnerID     *uuid.UUID   `json:"winner_id,omitempty"`
	FinalPrice   values.Money `json:"final_price"`
	ReserveMet   bool         `json:"reserve_met"`
	Cause        string       `json:"cause"`
}

func NewBidPlacedEnvelope(evt bidding.BidPlaced) (*Envelope, error) {
	return newEnvelope(TypeBidPlaced, evt.AuctionID, evt.OccurredAt, BidPlacedData{
		AuctionID:      evt.AuctionID,
		BidderID:       evt.BidderID,
		BidID:          evt.BidID,
		Amount:         evt.Amount,
		OutbidBidderID: evt.OutbidBidderID,
		AuctionEnded:   evt.AuctionEnded,
		EndTime:        evt.EndTime,
	})
}

func NewAuctionEndedEnvelope(evt bidding.AuctionEnded) (*Envelope, error) {
	return newEnvelope(TypeAuctionEnded, evt.AuctionID, evt.OccurredAt, AuctionEndedData{
		AuctionID:    evt.AuctionID,
		WinningBidID: evt.WinningBidID,
		WinnerID:     evt.WinnerID,
		FinalPrice:   evt.FinalPrice,
		ReserveMet:   evt.ReserveMet,
		Cause:        evt.Cause,
	})
}

func newEnvelope(eventType EventType, auctionID uuid.UUID, occurredAt time.Time, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize event").WithCause(err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return &Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		Version:    SchemaVersion,
		OccurredAt: occurredAt,
		AuctionID:  auctionID,
		Data:       data,
	}, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize envelope").WithCause(err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope and rejects unknown types or versions.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewValidationError("INVALID_EVENT_ENVELOPE", "failed to unmarshal event envelope").WithCause(err)
	}
	switch env.EventType {
	case TypeBidPlaced, TypeAuctionEnded:
	default:
		return nil, errors.NewValidationError("UNSUPPORTED_EVENT_TYPE", fmt.Sprintf("unsupported event type %q", env.EventType))
	}
	if env.Version != SchemaVersion {
		return nil, errors.NewValidationError("UNSUPPORTED_EVENT_VERSION",
			fmt.Sprintf("unsupported %s version %s", env.EventType, env.Version))
	}
	return &env, nil
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.NewValidationError("DESERIALIZATION_FAILED", "failed to deserialize event data").WithCause(err)
	}
	return nil
}
