package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

// txBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PgTransactor runs bidding commits in a read-committed transaction. The
// conditional updates and the ledger's unique index carry the isolation.
type PgTransactor struct {
	db txBeginner
}

var _ bidding.Transactor = (*PgTransactor)(nil)

func NewPgTransactor(db txBeginner) *PgTransactor {
	return &PgTransactor{db: db}
}

// WithinTx commits when fn succeeds and rolls back otherwise. A commit that
// fails without a server response is reported as bidding.ErrCommitInDoubt.
func (t *PgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, store bidding.AuctionStore, ledger bidding.BidLedger) error) error {
	tx, err := t.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapRepositoryError(err, "begin transaction", "transaction")
	}

	if err := fn(ctx, NewAuctionRepositoryWithTx(tx), NewBidRepositoryWithTx(tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// the server answered, so the transaction did not apply
			return WrapRepositoryError(err, "commit transaction", "auction")
		}
		return fmt.Errorf("%w: %v", bidding.ErrCommitInDoubt, err)
	}
	return nil
}
