package infra

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
)

// DSNEnv names a reusable database. When set, tests run in a private schema
// on it instead of starting a container.
const DSNEnv = "ESCROW_TEST_PG_DSN"

// ApplyMigrations opens a pool on dsn and applies the embedded migrations.
// When isolate is true they go into a fresh schema that the returned
// teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		cfg.ConnConfig.RuntimeParams["search_path"] = schema

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = cleanup(ctx)
		return nil, nil, err
	}
	return pool, cleanup, nil
}

// Postgres returns a migrated pool in a private schema for integration
// tests. The server is, in order of preference, the one named by
// ESCROW_TEST_PG_DSN, a throwaway container or a local server on 5432.
// Without any of them the test is skipped.
func Postgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv(DSNEnv)
	switch {
	case dsn != "":
	case DockerAvailable(ctx):
		containerDSN, err := sharedContainer(ctx)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		dsn = containerDSN
	default:
		localDSN, err := InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available (set %s, run docker or a local server): %v", DSNEnv, err)
		}
		dsn = localDSN
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

var shared struct {
	once sync.Once
	dsn  string
	err  error
}

// sharedContainer starts one container per test binary. The testcontainers
// reaper removes it when the process exits.
func sharedContainer(ctx context.Context) (string, error) {
	shared.once.Do(func() {
		_, shared.dsn, shared.err = StartPostgres(ctx)
	})
	return shared.dsn, shared.err
}
