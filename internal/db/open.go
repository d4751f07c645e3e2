// Package db opens the durable store shared by every worker.
package db

import (
	"fmt"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/config"
)

// Open builds a Pool from the database section of the config.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(cfg)
	case "sqlite", "":
		return OpenSQLitePool(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
