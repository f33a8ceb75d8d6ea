package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/model"
)

// CreateAPIKey inserts a new API key record. The caller supplies the hash and
// display prefix; the raw key never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, workspace_id, name, key_hash, key_prefix, is_active, is_test_key, expires_at, revoked_at, last_used_at, created_at)
		VALUES (:id, :workspace_id, :name, :key_hash, :key_prefix, :is_active, :is_test_key, :expires_at, :revoked_at, :last_used_at, :created_at)`,
		key)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create api key: %w", ErrDuplicate)
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up a key by its HMAC hash. This is the hot-path
// lookup; it does not filter on usability, the caller decides that.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.GetContext(ctx, &key,
		s.rebind(`SELECT * FROM api_keys WHERE key_hash = ?`), keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// GetAPIKey looks up a key by id.
func (s *Store) GetAPIKey(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.GetContext(ctx, &key,
		s.rebind(`SELECT * FROM api_keys WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeysByWorkspace returns all keys for a workspace, newest first,
// revoked ones included.
func (s *Store) ListAPIKeysByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := s.db.SelectContext(ctx, &keys,
		s.rebind(`SELECT * FROM api_keys WHERE workspace_id = ? ORDER BY created_at DESC`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked and inactive. The key must belong to the
// given workspace. Returns the updated record so callers can invalidate the
// cache entry for its hash.
func (s *Store) RevokeAPIKey(ctx context.Context, workspaceID, id uuid.UUID) (*model.APIKey, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET is_active = 0, revoked_at = ? WHERE id = ? AND workspace_id = ? AND revoked_at IS NULL`),
		time.Now().UTC(), id, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetAPIKey(ctx, id)
}

// UpdateAPIKeyLastUsed stamps the key's last-used time. Called fire-and-forget
// from the resolve path, so failures are the caller's to log, not fatal.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}
