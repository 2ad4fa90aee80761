// Package config reads the environment keys spec.md §6 documents directly
// via os.Getenv — no third-party config loader, since the key set is small,
// flat, and has no need for file layering or struct tags (see DESIGN.md for
// why this is the one place the ambient stack stays on the standard
// library). config.Watcher is the one piece of config that does need a
// library: watching WORKFLOW_MANIFEST_PATH for the bundler's rewrites.
package config

import "os"

// TargetWorld selects which store.Store backend to construct.
type TargetWorld string

const (
	TargetMemory   TargetWorld = "memory"
	TargetSQLite   TargetWorld = "sqlite"
	TargetPostgres TargetWorld = "postgres"
	TargetMySQL    TargetWorld = "mysql"
)

// Config is the runtime's environment-derived configuration, per spec.md §6's
// recognized keys.
type Config struct {
	TargetWorld  TargetWorld
	LocalDataDir string
	PostgresURL  string
	MySQLDSN     string
	ManifestPath string
	Port         string
}

// Load reads the documented environment variables, applying the defaults a
// local development run needs (in-memory store, manifest.json in the working
// directory, port 8080).
func Load() Config {
	return Config{
		TargetWorld:  TargetWorld(getenv("WORKFLOW_TARGET_WORLD", string(TargetMemory))),
		LocalDataDir: getenv("WORKFLOW_LOCAL_DATA_DIR", "./data"),
		PostgresURL:  os.Getenv("WORKFLOW_POSTGRES_URL"),
		MySQLDSN:     os.Getenv("WORKFLOW_MYSQL_DSN"),
		ManifestPath: getenv("WORKFLOW_MANIFEST_PATH", "./manifest.json"),
		Port:         getenv("PORT", "8080"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
