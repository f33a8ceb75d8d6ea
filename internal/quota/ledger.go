package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/store"
)

// Ledger owns the usage log lifecycle: idempotent pending inserts on the
// validation path, the one-shot pending-to-terminal transition on commit, and
// stale reservation expiry.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
}

// NewLedger creates a ledger over the store.
func NewLedger(s *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: s, logger: logger}
}

// Lookup returns the entry for an idempotency triple, or store.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, workspaceID uuid.UUID, requestID, fingerprintHash string) (*model.UsageLog, error) {
	return l.store.GetUsageLogByIdempotencyKey(ctx, workspaceID, requestID, fingerprintHash)
}

// RecordAttempt inserts entry as a new pending reservation. When an entry for
// the same triple already exists (a concurrent duplicate won the insert) the
// winner's row is returned instead, with isNew false. A retried request_id
// whose fingerprint differs is a distinct attempt and inserts a fresh row;
// that lets callers knowingly bypass dedup by changing request content, which
// is accepted and relied on by retry-with-different-payload flows.
func (l *Ledger) RecordAttempt(ctx context.Context, entry *model.UsageLog) (row *model.UsageLog, isNew bool, err error) {
	err = l.store.InsertUsageLog(ctx, entry)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, false, fmt.Errorf("record usage attempt: %w", err)
	}

	existing, err := l.store.GetUsageLogByIdempotencyKey(ctx, entry.WorkspaceID, entry.RequestID, entry.FingerprintHash)
	if err != nil {
		return nil, false, fmt.Errorf("reread usage attempt after conflict: %w", err)
	}
	return existing, false, nil
}

// CommitOutcome classifies what a commit attempt found.
type CommitOutcome int

const (
	// Committed means this call performed the pending-to-terminal transition.
	Committed CommitOutcome = iota
	// AlreadyCommitted means the entry was already terminal; a no-op success.
	AlreadyCommitted
	// CommitNotFound means no entry exists for the id; reported as success so
	// retries of expired-and-swept entries stay idempotent.
	CommitNotFound
	// OwnershipMismatch means the presenting key does not own the entry. The
	// only hard failure.
	OwnershipMismatch
)

// Commit drives a pending entry to success or failed on behalf of the key
// that created it. Terminal entries are never modified.
func (l *Ledger) Commit(ctx context.Context, usageID, presentingKeyID uuid.UUID, upd store.CommitUpdate) (CommitOutcome, error) {
	entry, err := l.store.GetUsageLog(ctx, usageID)
	if errors.Is(err, store.ErrNotFound) {
		return CommitNotFound, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load usage log for commit: %w", err)
	}
	if entry.APIKeyID != presentingKeyID {
		return OwnershipMismatch, nil
	}
	if entry.Status.Terminal() {
		return AlreadyCommitted, nil
	}

	transitioned, err := l.store.CommitUsageLog(ctx, usageID, upd)
	if err != nil {
		return 0, fmt.Errorf("commit usage log: %w", err)
	}
	if !transitioned {
		// Lost the race to a concurrent commit or the sweeper.
		return AlreadyCommitted, nil
	}
	return Committed, nil
}

// ExpireStale drives every pending entry older than timeout to expired and
// returns how many were swept.
func (l *Ledger) ExpireStale(ctx context.Context, timeout time.Duration) (int64, error) {
	return l.store.ExpirePendingBefore(ctx, time.Now().UTC().Add(-timeout))
}
