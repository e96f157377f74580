package app

import (
	"context"
	"fmt"
	"time"

	"chatd/cmd/identity"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool parses cfg.DatabaseURL, applies the CHATD_DB_* pool sizes and
// fails unless the database answers within a few seconds.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "chatd"
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: pool: %w", err)
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}

func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// PingStore checks store reachability within timeout.
func PingStore(parent context.Context, st identity.Store, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return st.Ping(ctx)
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// openStore decides between PostgreSQL, SQLite and the in-memory dev store.
// The returned pool is nil unless PostgreSQL is selected; the caller owns it.
func openStore(ctx context.Context, cfg Config, log Logger) (identity.Store, *pgxpool.Pool, error) {
	var (
		st   identity.Store
		pool *pgxpool.Pool
	)

	switch cfg.storeKind() {
	case "postgres":
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		// App owns the pool; PostgresStore.Close leaves it open.
		pg, err := identity.NewPostgresStore(p, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		st, pool = pg, p
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	case "sqlite":
		sq, err := identity.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st = sq
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
	default:
		log.Info("db.disabled.inmemory_store")
		return identity.NewInMemoryStore(), nil, nil
	}

	if cfg.AutoMigrate {
		if m, ok := st.(schemaEnsurer); ok {
			if err := m.EnsureSchema(ctx); err != nil {
				_ = st.Close()
				if pool != nil {
					pool.Close()
				}
				return nil, nil, err
			}
			log.Info("db.schema.ensured", "store", cfg.storeKind())
		}
	}

	return st, pool, nil
}
