package store

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	// Embedded migrations target SQLite. PostgreSQL and MySQL deployments are
	// migrated out of band; the column set below is the contract.
	if s.driver != "sqlite" {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			credits_allocation NUMERIC NOT NULL DEFAULT 5000,
			multiplier NUMERIC NOT NULL DEFAULT 1,
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 20,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT UNIQUE NOT NULL REFERENCES workspaces(id),
			plan_id TEXT NOT NULL REFERENCES plans(id),
			current_period_start DATETIME,
			current_period_end DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS endpoint_costs (
			endpoint TEXT PRIMARY KEY,
			credits NUMERIC NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_test_key INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME,
			revoked_at DATETIME,
			last_used_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL REFERENCES api_keys(id),
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			request_id TEXT NOT NULL,
			fingerprint_hash TEXT NOT NULL,
			access_status TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			client_ip TEXT,
			client_user_agent TEXT,
			usage_estimate TEXT,
			credits_reserved NUMERIC NOT NULL DEFAULT 0,
			credits_charged NUMERIC,
			status TEXT NOT NULL DEFAULT 'pending',
			committed_at DATETIME,
			model_used TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			latency_ms INTEGER,
			failure_type TEXT,
			failure_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(request_id, fingerprint_hash, workspace_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_workspace ON api_keys(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_workspace_created ON usage_logs(workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_key_created ON usage_logs(api_key_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_status ON usage_logs(status)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
