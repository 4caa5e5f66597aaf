package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

const maxBodyBytes = 16 << 10

// BiddingService is the part of the engine the API drives
type BiddingService interface {
	PlaceBid(ctx context.Context, req *bidding.PlaceBidRequest) (*bidding.PlaceBidResult, error)
	GetTopBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*bid.Bid, error)
	GetAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error)
	CancelAuction(ctx context.Context, auctionID, requesterID uuid.UUID) (*auction.Auction, error)
}

// LiveFeed upgrades a request into a per-auction event stream
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, auctionID uuid.UUID) error
}

// Handler serves the auction endpoints
type Handler struct {
	service   BiddingService
	live      LiveFeed
	validator *validator.Validate
	logger    *zap.Logger
}

func NewHandler(service BiddingService, live LiveFeed, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:   service,
		live:      live,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bidderID, err := BidderFromContext(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var body PlaceBidRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.validator.Struct(&body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	req, err := body.ToDomain(auctionID, bidderID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.service.PlaceBid(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPlaceBidResponse(res))
}

func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, r, h.logger, domainErrors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
	}

	bids, err := h.service.GetTopBids(r.Context(), auctionID, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BidListResponse{AuctionID: auctionID, Bids: newBidResponses(bids)})
}

func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.service.GetAuction(r.Context(), auctionID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionResponse(a))
}

func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	requesterID, err := BidderFromContext(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.service.CancelAuction(r.Context(), auctionID, requesterID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionResponse(a))
}

// Live checks the auction exists before upgrading so unknown IDs get a
// plain 404 instead of an empty stream.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.service.GetAuction(r.Context(), auctionID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if h.live == nil {
		writeError(w, r, h.logger, domainErrors.NewNotFoundError("live feed"))
		return
	}
	if err := h.live.Serve(w, r, auctionID); err != nil {
		h.logger.Debug("live upgrade failed",
			zap.String("auction_id", auctionID.String()),
			zap.Error(err))
	}
}

func auctionIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["auctionID"])
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError("INVALID_AUCTION_ID", "auction ID must be a UUID")
	}
	return id, nil
}
