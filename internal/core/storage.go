package core

import (
	"aquasim/internal/config"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/internal/infra/persistence/postgres"
	"aquasim/internal/infra/persistence/sqlite"
	"aquasim/pkg/domain"
	"fmt"
)

// OpenPersistentStore selects a backend from the store configuration.
// An empty driver means the embedded sqlite file.
//
//	memory:   in-process only (dry runs and tests)
//	sqlite:   embedded file at cfg.Path
//	postgres: server at cfg.DSN
func OpenPersistentStore(cfg config.Store, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.StoreSQLite
	}
	switch driver {
	case config.StoreMemory:
		return memory.NewStore(engine), nil
	case config.StoreSQLite:
		return sqlite.NewStore(cfg.Path, engine)
	case config.StorePostgres:
		return postgres.NewStore(cfg.DSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
