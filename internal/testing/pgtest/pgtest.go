//go:build integration

// Package pgtest starts a disposable PostgreSQL container with the repository migrations
// applied. It is only compiled with the integration build tag.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
)

// Setup returns a pool connected to a fresh migrated database. The container is
// terminated when the test finishes.
func Setup(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("rental_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.New(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrate(ctx, pool))
	return pool
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	dir := migrationsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)
	for _, name := range ups {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		// no arguments, so pgx uses the simple protocol and multi-statement files work
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	return nil
}

// go test runs in the package directory, so walk up to the module root.
func migrationsDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "migrations"
	}
	for range 10 {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		dir = filepath.Dir(dir)
	}
	return "migrations"
}

// DB wraps a migrated pool with fixture helpers.
type DB struct {
	Pool *pgxpool.Pool
}

// SeedCustomer inserts an active customer and returns its id.
func (d *DB) SeedCustomer(t testing.TB, companyID int64, code, name string) int64 {
	t.Helper()
	var id int64
	err := d.Pool.QueryRow(context.Background(), `INSERT INTO customers (company_id, code, name, phone, id_number, driver_license, address)
VALUES ($1,$2,$3,'+62 811 000 000',$4,$5,'Jl. Sudirman 1') RETURNING id`,
		companyID, code, name, "ID-"+code, "DL-"+code).Scan(&id)
	require.NoError(t, err)
	return id
}

// SeedVehicle inserts an AVAILABLE vehicle and returns its id.
func (d *DB) SeedVehicle(t testing.TB, companyID int64, plate string, daily, monthly int64) int64 {
	t.Helper()
	var id int64
	err := d.Pool.QueryRow(context.Background(), `INSERT INTO vehicles (company_id, plate_number, make, model, year, color, daily_rate, monthly_rate, odometer)
VALUES ($1,$2,'Toyota','Avanza',2023,'Silver',$3,$4,12000) RETURNING id`,
		companyID, plate, decimal.NewFromInt(daily), decimal.NewFromInt(monthly)).Scan(&id)
	require.NoError(t, err)
	return id
}

// Count runs a single-value COUNT query.
func (d *DB) Count(t testing.TB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, d.Pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
