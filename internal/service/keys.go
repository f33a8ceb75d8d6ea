package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/quota"
	"github.com/cubexhq/usagegate/internal/store"
)

// KeyService issues and revokes workspace API keys. Revocation invalidates
// the resolver cache entry so a revoked key can't ride out the cache TTL.
type KeyService struct {
	store    *store.Store
	resolver *quota.KeyResolver
	logger   *slog.Logger
}

// NewKeyService creates a key service.
func NewKeyService(s *store.Store, resolver *quota.KeyResolver, logger *slog.Logger) *KeyService {
	return &KeyService{store: s, resolver: resolver, logger: logger}
}

// IssueKey generates and stores a new key for the workspace and returns the
// record together with the raw key. The raw key is shown exactly once; only
// its hash is persisted.
func (k *KeyService) IssueKey(ctx context.Context, workspaceID uuid.UUID, name string, isTest bool, expiresAt *time.Time) (*model.APIKey, string, error) {
	if _, err := k.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, "", fmt.Errorf("issue key: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	prefix := model.LiveKeyPrefix
	if isTest {
		prefix = model.TestKeyPrefix
	}
	rawKey := prefix + token

	key := &model.APIKey{
		WorkspaceID: workspaceID,
		Name:        name,
		KeyHash:     k.resolver.HashKey(rawKey),
		KeyPrefix:   prefix + token[:model.DisplayPrefixTokenChars],
		IsActive:    true,
		IsTestKey:   isTest,
		ExpiresAt:   expiresAt,
	}
	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("issue key: %w", err)
	}

	k.logger.Info("api key issued", "workspace_id", workspaceID, "key_id", key.ID, "prefix", key.KeyPrefix, "test", isTest)
	return key, rawKey, nil
}

// RevokeKey revokes a workspace's key and drops its cache entry.
func (k *KeyService) RevokeKey(ctx context.Context, workspaceID, keyID uuid.UUID) error {
	key, err := k.store.RevokeAPIKey(ctx, workspaceID, keyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if err := k.resolver.Invalidate(ctx, key.KeyHash); err != nil {
		// The TTL still bounds the stale window, but log it loudly.
		k.logger.Error("failed to invalidate revoked key cache entry", "key_id", keyID, "error", err)
	}
	k.logger.Info("api key revoked", "workspace_id", workspaceID, "key_id", keyID)
	return nil
}

// ListKeys returns a workspace's keys, revoked ones included.
func (k *KeyService) ListKeys(ctx context.Context, workspaceID uuid.UUID) ([]model.APIKey, error) {
	return k.store.ListAPIKeysByWorkspace(ctx, workspaceID)
}
