package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/bid"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// BidRepository implements bidding.BidLedger on PostgreSQL.
type BidRepository struct {
	db querier
}

var _ bidding.BidLedger = (*BidRepository)(nil)

// NewBidRepository creates a new bid repository
func NewBidRepository(db querier) *BidRepository {
	return &BidRepository{db: db}
}

// NewBidRepositoryWithTx creates a bid repository bound to a transaction
func NewBidRepositoryWithTx(tx pgx.Tx) *BidRepository {
	return &BidRepository{db: tx}
}

const bidColumns = `id, auction_id, bidder_id, amount, currency, kind, proxy_max_amount, placed_at, sequence`

// rankOrder matches bid.Outranks.
const rankOrder = `ORDER BY amount DESC, placed_at ASC, sequence ASC`

// Append inserts b only if its amount beats every stored bid for the
// auction, assigning the next sequence in the same statement. A concurrent
// writer that claims the same sequence trips the unique index instead.
func (r *BidRepository) Append(ctx context.Context, b *bid.Bid) (uuid.UUID, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	query := `
		INSERT INTO bids (` + bidColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, COALESCE(MAX(sequence), 0) + 1
		FROM bids
		WHERE auction_id = $2
		HAVING COALESCE(MAX(amount), -1) < $4
		RETURNING sequence
	`

	var sequence int64
	err := r.db.QueryRow(ctx, query,
		b.ID, b.AuctionID, b.BidderID, b.Amount.MinorUnits(), b.Amount.Currency(),
		b.Kind.String(), optionalMinorUnits(b.ProxyMaxAmount), b.PlacedAt,
	).Scan(&sequence)
	if err != nil {
		if IsNotFound(err) || IsDuplicateKeyViolation(err) {
			top := "unknown"
			if current, topErr := r.TopBid(ctx, b.AuctionID); topErr == nil && current != nil {
				top = current.Amount.Decimal()
			}
			return uuid.Nil, domainErrors.NewOutOfOrderError(b.Amount.Decimal(), top).WithCause(err)
		}
		return uuid.Nil, WrapRepositoryError(err, "append bid", "bid")
	}

	b.Sequence = sequence
	return b.ID, nil
}

// TopBid returns the highest ranked bid, or nil when none exist
func (r *BidRepository) TopBid(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	bids, err := r.TopBids(ctx, auctionID, 1)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, nil
	}
	return bids[0], nil
}

// TopBids returns up to limit bids, best first
func (r *BidRepository) TopBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ` + rankOrder + ` LIMIT $2`
	return r.list(ctx, "list top bids", query, auctionID, limit)
}

// History returns every bid for the auction in commit order
func (r *BidRepository) History(ctx context.Context, auctionID uuid.UUID) ([]*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ORDER BY sequence ASC`
	return r.list(ctx, "list bid history", query, auctionID)
}

// ProxyCeiling returns the bidder's standing ceiling, or nil
func (r *BidRepository) ProxyCeiling(ctx context.Context, auctionID, bidderID uuid.UUID) (*values.Money, error) {
	var (
		units    int64
		currency string
	)
	err := r.db.QueryRow(ctx, `
		SELECT max_amount, currency
		FROM standing_proxies
		WHERE auction_id = $1 AND bidder_id = $2
	`, auctionID, bidderID).Scan(&units, &currency)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, WrapRepositoryError(err, "get proxy ceiling", "standing proxy")
	}

	ceiling, err := values.NewMoneyFromMinorUnits(units, currency)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy ceiling: %w", err)
	}
	return &ceiling, nil
}

// SetProxyCeiling upserts the bidder's standing ceiling
func (r *BidRepository) SetProxyCeiling(ctx context.Context, proxy bid.StandingProxy) error {
	updatedAt := proxy.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO standing_proxies (auction_id, bidder_id, max_amount, currency, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (auction_id, bidder_id) DO UPDATE
		SET max_amount = EXCLUDED.max_amount,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
	`, proxy.AuctionID, proxy.BidderID, proxy.MaxAmount.MinorUnits(), proxy.MaxAmount.Currency(), updatedAt)
	if err != nil {
		return WrapRepositoryError(err, "set proxy ceiling", "standing proxy")
	}
	return nil
}

func (r *BidRepository) list(ctx context.Context, operation, query string, args ...any) ([]*bid.Bid, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapRepositoryError(err, operation, "bid")
	}
	defer rows.Close()

	var bids []*bid.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, WrapRepositoryError(err, "scan bid", "bid")
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapRepositoryError(err, operation, "bid")
	}
	return bids, nil
}

func scanBid(row pgx.Row) (*bid.Bid, error) {
	var (
		b        bid.Bid
		amount   int64
		currency string
		kind     string
		proxyMax *int64
		placedAt time.Time
	)

	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &currency, &kind, &proxyMax, &placedAt, &b.Sequence); err != nil {
		return nil, err
	}

	var err error
	if b.Amount, err = values.NewMoneyFromMinorUnits(amount, currency); err != nil {
		return nil, fmt.Errorf("invalid bid amount: %w", err)
	}
	if b.ProxyMaxAmount, err = optionalMoney(proxyMax, currency); err != nil {
		return nil, fmt.Errorf("invalid proxy max amount: %w", err)
	}
	if b.Kind, err = bid.ParseKind(kind); err != nil {
		return nil, err
	}
	b.PlacedAt = placedAt.UTC()
	return &b, nil
}
