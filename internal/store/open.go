package store

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/config"
)

// Open constructs and initializes the Store named by cfg.Type ("sqlite" or
// "postgres"), calling Init before returning it.
func Open(ctx context.Context, cfg config.BackendConfig) (Store, error) {
	var st Store
	switch cfg.Type {
	case "", "sqlite":
		s, err := NewSQLiteStore(ctx, SQLiteConfig{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		s, err := NewPostgresStore(ctx, PostgresConfig{DSN: cfg.PostgresDSN, MaxOpenConns: cfg.PostgresMaxOpenConns})
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Type)
	}

	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
