/*
Package config reads service configuration from flags and environment.

PRECEDENCE:
  Environment variables win over flags, flags over defaults.

SETTINGS:
  RUN_ADDRESS / -a     HTTP listen address       (default :8080)
  STORE / -store       postgres | sqlite | memory (default memory)
  DATABASE_URI / -d    PostgreSQL DSN (required for postgres)
  SQLITE_PATH / -db    SQLite path               (default billing.db)
*/
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds the service configuration.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	Store       string `env:"STORE"`
	DatabaseURI string `env:"DATABASE_URI"`
	SQLitePath  string `env:"SQLITE_PATH"`
}

// Parse reads configuration from args and the environment. Parse owns its
// FlagSet so it stays callable from tests.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	fs := flag.NewFlagSet("billing-engine", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", ":8080", "address and port for HTTP server")
	fs.StringVar(&cfg.Store, "store", StoreMemory, "store backend: postgres, sqlite, or memory")
	fs.StringVar(&cfg.DatabaseURI, "d", "", "PostgreSQL DSN")
	fs.StringVar(&cfg.SQLitePath, "db", "billing.db", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Environment wins where set.
	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.Store != "" {
		cfg.Store = fromEnv.Store
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.SQLitePath != "" {
		cfg.SQLitePath = fromEnv.SQLitePath
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURI == "" {
			return nil, fmt.Errorf("store %q requires DATABASE_URI", cfg.Store)
		}
	case StoreSQLite, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}

	return cfg, nil
}
