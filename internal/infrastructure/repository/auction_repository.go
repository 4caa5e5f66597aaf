package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuctionRepository implements bidding.AuctionStore on PostgreSQL. Money is
// stored as integer minor units next to the auction currency.
type AuctionRepository struct {
	db querier
}

var _ bidding.AuctionStore = (*AuctionRepository)(nil)

// NewAuctionRepository creates a new auction repository
func NewAuctionRepository(db querier) *AuctionRepository {
	return &AuctionRepository{db: db}
}

// NewAuctionRepositoryWithTx creates an auction repository bound to a transaction
func NewAuctionRepositoryWithTx(tx pgx.Tx) *AuctionRepository {
	return &AuctionRepository{db: tx}
}

const auctionColumns = `
	id, owner_id, currency, start_price, current_price, min_increment,
	reserve_price, buy_now_price, start_time, end_time, anti_sniping_enabled,
	status, winning_bid_id, version, created_at, updated_at`

// Create stores a new auction
func (r *AuctionRepository) Create(ctx context.Context, a *auction.Auction) error {
	query := `
		INSERT INTO auctions (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.OwnerID, a.Currency,
		a.StartPrice.MinorUnits(), a.CurrentPrice.MinorUnits(), a.MinIncrement.MinorUnits(),
		optionalMinorUnits(a.ReservePrice), optionalMinorUnits(a.BuyNowPrice),
		a.StartTime, a.EndTime, a.AntiSnipingEnabled,
		a.Status.String(), nullableUUID(a.WinningBidID), a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return WrapRepositoryError(err, "create auction", "auction")
	}
	return nil
}

// Get retrieves an auction in any status
func (r *AuctionRepository) Get(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`

	a, err := scanAuction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, WrapRepositoryError(err, "get auction", "auction")
	}
	return a, nil
}

// GetForBidding retrieves an auction that is currently active
func (r *AuctionRepository) GetForBidding(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != auction.StatusActive {
		return nil, domainErrors.NewInvalidStateError(fmt.Sprintf("auction is %s", a.Status))
	}
	return a, nil
}

// ApplyBidOutcome is a single conditional update keyed on id, version and
// active status.
func (r *AuctionRepository) ApplyBidOutcome(ctx context.Context, id uuid.UUID, expectedVersion int64, o auction.Outcome) error {
	if o.Status != auction.StatusActive && o.Status != auction.StatusEnded {
		return domainErrors.NewInvalidStateError(fmt.Sprintf("a bid cannot move an auction to %s", o.Status))
	}

	query := `
		UPDATE auctions
		SET current_price = $3,
			end_time = $4,
			status = $5,
			winning_bid_id = COALESCE($6, winning_bid_id),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'active' AND currency = $7
	`

	tag, err := r.db.Exec(ctx, query,
		id, expectedVersion, o.CurrentPrice.MinorUnits(), o.EndTime, o.Status.String(),
		nullableUUID(o.WinningBidID), o.CurrentPrice.Currency(),
	)
	if err != nil {
		return WrapRepositoryError(err, "apply bid outcome", "auction")
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, id, expectedVersion)
	}
	return nil
}

// Transition moves an auction along its lifecycle under the version check.
func (r *AuctionRepository) Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, next auction.Status, winningBidID *uuid.UUID) error {
	from := predecessors(next)
	if len(from) == 0 {
		return domainErrors.NewInvalidStateError(fmt.Sprintf("no transition leads to %s", next))
	}

	query := `
		UPDATE auctions
		SET status = $3,
			winning_bid_id = COALESCE($4, winning_bid_id),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = ANY($5)
	`

	tag, err := r.db.Exec(ctx, query, id, expectedVersion, next.String(), nullableUUID(winningBidID), from)
	if err != nil {
		return WrapRepositoryError(err, "transition auction", "auction")
	}
	if tag.RowsAffected() == 0 {
		err := r.explainMiss(ctx, id, expectedVersion)
		if domainErrors.HasCode(err, domainErrors.CodeInvalidState) {
			return domainErrors.NewInvalidStateError(fmt.Sprintf("cannot move auction to %s", next))
		}
		return err
	}
	return nil
}

// ListDue returns auctions in filter.Status whose deadline is at or before
// filter.Before, earliest first.
func (r *AuctionRepository) ListDue(ctx context.Context, filter bidding.DueFilter) ([]*auction.Auction, error) {
	column := "end_time"
	if filter.Status == auction.StatusScheduled {
		column = "start_time"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status = $1 AND ` + column + ` <= $2
		ORDER BY ` + column + ` ASC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, filter.Status.String(), filter.Before, limit)
	if err != nil {
		return nil, WrapRepositoryError(err, "list due auctions", "auction")
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, WrapRepositoryError(err, "scan auction", "auction")
		}
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapRepositoryError(err, "iterate auctions", "auction")
	}
	return auctions, nil
}

// explainMiss tells a missing row, a stale version and a wrong status apart
// after a conditional update touched nothing.
func (r *AuctionRepository) explainMiss(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	var (
		status  string
		version int64
	)
	err := r.db.QueryRow(ctx, `SELECT status, version FROM auctions WHERE id = $1`, id).Scan(&status, &version)
	if err != nil {
		return WrapRepositoryError(err, "load auction version", "auction")
	}
	if version != expectedVersion {
		return domainErrors.NewVersionConflictError("auction")
	}
	return domainErrors.NewInvalidStateError(fmt.Sprintf("auction is %s", status))
}

func predecessors(next auction.Status) []string {
	var from []string
	for _, s := range []auction.Status{auction.StatusScheduled, auction.StatusActive, auction.StatusEnded, auction.StatusCancelled} {
		if s.CanTransitionTo(next) {
			from = append(from, s.String())
		}
	}
	return from
}

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var (
		a                                  auction.Auction
		startPrice, currentPrice, minIncr  int64
		reservePrice, buyNowPrice          *int64
		status                             string
		winningBidID                       uuid.NullUUID
		startTime, endTime, createdAt, upd time.Time
	)

	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Currency, &startPrice, &currentPrice, &minIncr,
		&reservePrice, &buyNowPrice, &startTime, &endTime, &a.AntiSnipingEnabled,
		&status, &winningBidID, &a.Version, &createdAt, &upd,
	)
	if err != nil {
		return nil, err
	}

	if a.StartPrice, err = values.NewMoneyFromMinorUnits(startPrice, a.Currency); err != nil {
		return nil, fmt.Errorf("invalid start price: %w", err)
	}
	if a.CurrentPrice, err = values.NewMoneyFromMinorUnits(currentPrice, a.Currency); err != nil {
		return nil, fmt.Errorf("invalid current price: %w", err)
	}
	if a.MinIncrement, err = values.NewMoneyFromMinorUnits(minIncr, a.Currency); err != nil {
		return nil, fmt.Errorf("invalid increment: %w", err)
	}
	if a.ReservePrice, err = optionalMoney(reservePrice, a.Currency); err != nil {
		return nil, fmt.Errorf("invalid reserve price: %w", err)
	}
	if a.BuyNowPrice, err = optionalMoney(buyNowPrice, a.Currency); err != nil {
		return nil, fmt.Errorf("invalid buy-now price: %w", err)
	}
	if a.Status, err = auction.ParseStatus(status); err != nil {
		return nil, err
	}
	if winningBidID.Valid {
		id := winningBidID.UUID
		a.WinningBidID = &id
	}

	a.StartTime = startTime.UTC()
	a.EndTime = endTime.UTC()
	a.CreatedAt = createdAt.UTC()
	a.UpdatedAt = upd.UTC()
	return &a, nil
}

func optionalMinorUnits(m *values.Money) *int64 {
	if m == nil {
		return nil
	}
	units := m.MinorUnits()
	return &units
}

func optionalMoney(units *int64, currency string) (*values.Money, error) {
	if units == nil {
		return nil, nil
	}
	m, err := values.NewMoneyFromMinorUnits(*units, currency)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
