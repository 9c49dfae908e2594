package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/config"
)

// DefaultSQLitePath is used when the sqlite driver has no database_url.
const DefaultSQLitePath = "priority.db"

// Open creates the store named by cfg.Driver and applies migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		st = NewMemory()
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = DefaultSQLitePath
		}
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "store: migrate")
	}
	return st, nil
}
