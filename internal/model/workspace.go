package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientIDPrefix precedes the hex-encoded workspace id in the public client
// identifier callers pass on the wire.
const ClientIDPrefix = "ws_"

// Workspace is a tenant. Its creation time anchors the rolling billing window
// when no subscription period is set.
type Workspace struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ClientID renders the workspace's public identifier, ws_ followed by the
// 32-hex-char uuid without hyphens.
func (w *Workspace) ClientID() string {
	return ClientIDPrefix + hex.EncodeToString(w.ID[:])
}

// ParseClientID extracts the workspace uuid from a ws_<32 hex> client id.
func ParseClientID(clientID string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(clientID, ClientIDPrefix)
	if !ok || len(raw) != 32 || strings.ToLower(raw) != raw {
		return uuid.Nil, fmt.Errorf("invalid client id %q", clientID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid client id %q: %w", clientID, err)
	}
	return id, nil
}
