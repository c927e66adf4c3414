package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prudhvinik1/causalsync/internal/delta"
)

// The error taxonomy of the sync core. All of these are local, recoverable
// conditions reported to the caller; nothing is retried internally. Every
// operation is either safe to retry with the same inputs or idempotent, so
// callers never need their own deduplication.
var (
	ErrUnknownDevice         = errors.New("unknown device")
	ErrInactiveDevice        = errors.New("device is deactivated")
	ErrStaleClock            = errors.New("stale vector clock")
	ErrInvalidVectorClock    = errors.New("invalid vector clock")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrConflictNotFound      = errors.New("conflict not found")
	ErrEntityNotFound        = errors.New("entity not found")
	ErrMergeConflict         = errors.New("merge produced unresolved field conflicts")
	ErrManualPayloadRequired = errors.New("manual resolution requires a payload")
	ErrSyncInProgress        = errors.New("sync already in progress for device")
	ErrNoSyncInProgress      = errors.New("no sync in progress for device")
	ErrInvalidCredentials    = errors.New("invalid device credentials")
)

// MergeConflictError carries the diagnostic payload of a failed MERGE
// resolution: each path both sides changed with both candidate values. It
// unwraps to ErrMergeConflict.
type MergeConflictError struct {
	Conflicts []delta.FieldConflict
}

func (e *MergeConflictError) Error() string {
	paths := make([]string, len(e.Conflicts))
	for i, fc := range e.Conflicts {
		paths[i] = fc.Path
	}
	return fmt.Sprintf("merge produced %d unresolved field conflicts: %s",
		len(e.Conflicts), strings.Join(paths, ", "))
}

func (e *MergeConflictError) Unwrap() error {
	return ErrMergeConflict
}
