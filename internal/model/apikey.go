package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key prefixes distinguish live keys, which consume workspace credits, from
// test keys, which authenticate and are rate limited but never charge.
const (
	LiveKeyPrefix = "cbx_live_"
	TestKeyPrefix = "cbx_test_"
)

// DisplayPrefixTokenChars is how many characters of the secret token are kept
// in the stored display prefix (e.g. "cbx_live_Ab3dF").
const DisplayPrefixTokenChars = 5

// APIKey is a workspace-scoped API key. The raw key is shown once at creation
// and never stored; lookups go through the HMAC-SHA256 hash.
type APIKey struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	KeyHash     string     `json:"-" db:"key_hash"`
	KeyPrefix   string     `json:"key_prefix" db:"key_prefix"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	IsTestKey   bool       `json:"is_test_key" db:"is_test_key"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Usable reports whether the key may authenticate requests at the given
// instant: active, not revoked, not expired.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive || k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// MaskedDisplay is the UI-safe rendering of the key.
func (k *APIKey) MaskedDisplay() string {
	return k.KeyPrefix + "..." + strings.Repeat("*", 4)
}

// ValidKeyFormat reports whether raw looks like a key we could have issued: a
// recognized prefix followed by a non-empty token. It performs no I/O and does
// not prove the key exists.
func ValidKeyFormat(raw string) bool {
	var token string
	switch {
	case strings.HasPrefix(raw, LiveKeyPrefix):
		token = raw[len(LiveKeyPrefix):]
	case strings.HasPrefix(raw, TestKeyPrefix):
		token = raw[len(TestKeyPrefix):]
	default:
		return false
	}
	return len(token) >= DisplayPrefixTokenChars
}

// IsTestKeyFormat reports whether raw carries the test prefix. Only meaningful
// when ValidKeyFormat(raw) is true.
func IsTestKeyFormat(raw string) bool {
	return strings.HasPrefix(raw, TestKeyPrefix)
}
