package core

import (
	"context"
	"feedformula/internal/infra/persistence/memory"
	"feedformula/internal/infra/persistence/postgres"
	"feedformula/internal/infra/persistence/sqlite"
	"feedformula/pkg/domain"
	"fmt"
	"os"
	"strings"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// StorageOptions selects and configures the local recipe cache.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// StorageOptionsFromEnv reads storage settings from the environment.
//
//	FEEDFORMULA_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FEEDFORMULA_SQLITE_PATH: path to sqlite file (default ./feedformula.db)
//	FEEDFORMULA_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageOptionsFromEnv() StorageOptions {
	return StorageOptionsFrom(os.Getenv)
}

// StorageOptionsFrom reads the same settings through lookup.
func StorageOptionsFrom(lookup func(string) string) StorageOptions {
	driver := strings.ToLower(strings.TrimSpace(lookup("FEEDFORMULA_STORAGE_DRIVER")))
	if driver == "" {
		driver = string(StorageSQLite)
	}
	return StorageOptions{
		Driver:      StorageDriver(driver),
		SQLitePath:  lookup("FEEDFORMULA_SQLITE_PATH"),
		PostgresDSN: lookup("FEEDFORMULA_POSTGRES_DSN"),
	}
}

// OpenPersistentStore opens the configured backend. A nil engine installs the
// default rule set.
func OpenPersistentStore(ctx context.Context, opts StorageOptions, engine *RulesEngine) (PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch opts.Driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite, "":
		return sqlite.NewStore(opts.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, opts.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}
