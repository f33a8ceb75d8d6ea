package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cubexhq/usagegate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// USAGEGATE_DATA_DIR env var, or ~/.usagegate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("USAGEGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.usagegate"
}

// openStore opens the configured store: an explicit driver/DSN from config,
// or the SQLite file under the data directory.
func openStore() (*store.Store, error) {
	driver := viper.GetString("database.driver")
	dsn := viper.GetString("database.dsn")
	if dsn != "" {
		return store.Open(driver, dsn)
	}
	return store.OpenDir(resolveDataDir())
}

// hmacSecret returns the key hashing secret from config. An empty secret is
// allowed for local development but means keys hashed elsewhere won't match.
func hmacSecret() []byte {
	return []byte(viper.GetString("auth.key_hmac_secret"))
}

// quietLogger is a discard logger for one-shot CLI commands where slog output
// would clutter the table the user asked for.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// durationOrDefault parses a config duration string, falling back when the
// value is empty or invalid.
func durationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
