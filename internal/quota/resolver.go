package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/metrics"
	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/store"
)

// keyInfoTTL bounds the staleness window after a key is revoked on another
// instance. Revokes on this instance invalidate proactively.
const keyInfoTTL = 15 * time.Second

// Resolution failures callers can branch on.
var (
	ErrInvalidKeyFormat  = errors.New("invalid api key format")
	ErrKeyNotFound       = errors.New("api key not found, expired, or revoked")
	ErrWorkspaceMismatch = errors.New("api key does not belong to workspace")
)

// KeyInfo is the cache projection of an API key record: just what the
// decision path needs.
type KeyInfo struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	IsTestKey   bool       `json:"is_test_key"`
	PlanID      *uuid.UUID `json:"plan_id,omitempty"`
}

// KeyResolver validates raw API keys and resolves them to their cache
// projection, cache-aside over the authoritative store. Cache failures are
// logged and fall through to the store; they never fail a lookup.
type KeyResolver struct {
	store   *store.Store
	cache   cache.Cache
	secret  []byte
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewKeyResolver creates a resolver hashing keys under secret.
func NewKeyResolver(s *store.Store, c cache.Cache, secret []byte, logger *slog.Logger, m *metrics.Metrics) *KeyResolver {
	return &KeyResolver{store: s, cache: c, secret: secret, logger: logger, metrics: m}
}

// HashKey returns the store lookup hash for a raw key.
func (r *KeyResolver) HashKey(rawKey string) string {
	return HashKey(rawKey, r.secret)
}

func cacheKeyForHash(keyHash string) string {
	return "apikey:" + keyHash
}

// Resolve validates rawKey's format, usability, and workspace binding, and
// returns its projection. The returned errors are the package sentinels; any
// other error is an infrastructure failure the caller should treat as
// fail-closed.
func (r *KeyResolver) Resolve(ctx context.Context, rawKey string, workspaceID uuid.UUID) (KeyInfo, error) {
	if !model.ValidKeyFormat(rawKey) {
		return KeyInfo{}, ErrInvalidKeyFormat
	}

	keyHash := r.HashKey(rawKey)
	cacheKey := cacheKeyForHash(keyHash)

	if data, ok, err := r.cache.Get(ctx, cacheKey); err != nil {
		r.logger.Warn("key cache read failed", "error", err)
	} else if ok {
		var info KeyInfo
		if err := json.Unmarshal(data, &info); err == nil {
			r.metrics.ObserveKeyCache(true)
			if info.WorkspaceID != workspaceID {
				return KeyInfo{}, ErrWorkspaceMismatch
			}
			r.touchLastUsed(info.ID)
			return info, nil
		}
		r.logger.Warn("key cache entry corrupt, falling through", "error", err)
	}
	r.metrics.ObserveKeyCache(false)

	key, err := r.store.GetAPIKeyByHash(ctx, keyHash)
	if errors.Is(err, store.ErrNotFound) {
		return KeyInfo{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyInfo{}, err
	}
	// Unusable keys are indistinguishable from unknown ones to callers.
	if !key.Usable(time.Now()) {
		return KeyInfo{}, ErrKeyNotFound
	}
	if key.WorkspaceID != workspaceID {
		return KeyInfo{}, ErrWorkspaceMismatch
	}

	info := KeyInfo{ID: key.ID, WorkspaceID: key.WorkspaceID, IsTestKey: key.IsTestKey}
	if sub, err := r.store.GetSubscriptionByWorkspace(ctx, key.WorkspaceID); err == nil {
		info.PlanID = &sub.PlanID
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("subscription lookup failed, using plan defaults", "workspace_id", key.WorkspaceID, "error", err)
	}

	if data, err := json.Marshal(info); err == nil {
		if err := r.cache.Set(ctx, cacheKey, data, keyInfoTTL); err != nil {
			r.logger.Warn("key cache write failed", "error", err)
		}
	}

	r.touchLastUsed(key.ID)
	return info, nil
}

// Invalidate removes the cache entry for a key hash. Key management calls
// this on every revoke so stale grants can't outlive the key.
func (r *KeyResolver) Invalidate(ctx context.Context, keyHash string) error {
	return r.cache.Delete(ctx, cacheKeyForHash(keyHash))
}

// touchLastUsed stamps the key's last-used time without blocking the decision
// path.
func (r *KeyResolver) touchLastUsed(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
			r.logger.Warn("failed to update key last used", "key_id", id, "error", err)
		}
	}()
}
