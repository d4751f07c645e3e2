package db

import (
	"cmp"
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db/dialect"
)

const postgresPingTimeout = 10 * time.Second

// OpenPostgres opens a pgx-backed pool. Postgres handles concurrent writers
// itself, so the reader and writer share one *sqlx.DB.
func OpenPostgres(cfg config.DatabaseConfig) (*Pool, error) {
	conn, err := sqlx.Open(dialect.PGX, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(cmp.Or(cfg.MaxConns, 25))
	conn.SetMaxIdleConns(cmp.Or(cfg.MinConns, 5))

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{writer: conn, reader: conn}, nil
}
