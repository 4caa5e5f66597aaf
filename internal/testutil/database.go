package testutil

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/database"
	"github.com/davidleathers/auction-bidding-engine/internal/testutil/containers"
)

// TestDB is a migrated PostgreSQL database in a throwaway container
type TestDB struct {
	t    *testing.T
	pool *pgxpool.Pool
}

// NewTestDB starts a container, applies the migrations and opens a pool.
// The test is skipped under -short.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	migrator, err := database.NewMigrator(container.ConnectionString, MigrationsDir(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, migrator.Up(0))
	require.NoError(t, migrator.Close())

	pool, err := pgxpool.New(ctx, container.ConnectionString)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)

	return &TestDB{t: t, pool: pool}
}

// Pool returns the connection pool
func (tdb *TestDB) Pool() *pgxpool.Pool {
	return tdb.pool
}

// TruncateTables empties every table between subtests
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()
	_, err := tdb.pool.Exec(context.Background(), `TRUNCATE standing_proxies, bids, auctions CASCADE`)
	require.NoError(tdb.t, err)
}

// AssertRowCount checks the number of rows in a table
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()
	var count int
	err := tdb.pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "unexpected row count in %s", table)
}

// MigrationsDir locates the repository's migrations directory
func MigrationsDir(t testing.TB) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "cannot locate testutil package")
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
