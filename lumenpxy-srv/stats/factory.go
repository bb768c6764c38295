package stats

import (
	"fmt"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
)

// NewStore creates the record store selected by the configuration.
func NewStore(cfg *config.EventsConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case config.EventsMemory, "":
		store = NewMemoryStore()
	case config.EventsSQLite:
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "lumenpxy_events.db"
		}
		store, err = NewSQLiteStore(sqlitePath)
	case config.EventsPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		store, err = NewPostgresStore(cfg.PostgresDSN)
	case config.EventsDummy:
		store = NewDummyStore()
	default:
		return nil, fmt.Errorf("unsupported events backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Backend, err)
	}
	return store, nil
}
