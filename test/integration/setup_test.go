// Package integration runs the account store and the vault against a real PostgreSQL.
// Tests are skipped when no docker daemon is reachable.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/platform/db"
	"github.com/ehr/medledger/migrations"
)

// globalPool is shared by every test; nil when postgres could not be started.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	if !dockerAvailable(ctx) {
		fmt.Fprintln(os.Stderr, "docker unavailable, integration tests will be skipped")
		os.Exit(m.Run())
	}

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, connStr, 8, 1, zerolog.Nop())
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.Files).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func requirePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalPool == nil {
		t.Skip("postgres not available")
	}
	return globalPool
}

func createAccount(t *testing.T, ctx context.Context, repo account.Repository, role, name string) *account.Account {
	t.Helper()
	a := &account.Account{Role: role, DisplayName: name}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create account %q: %v", name, err)
	}
	return a
}
