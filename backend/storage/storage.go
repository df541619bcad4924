// Package storage defines the durable op-log and snapshot store behind the
// server, plus the in-memory and SQLite implementations.
package storage

import (
	"context"

	"golang.org/x/xerrors"

	"otsync/backend/types"
)

// LatestVersion requests the newest stored snapshot.
const LatestVersion = -1

// ErrVersionConflict is returned by CommitOp when the op's version is
// already occupied. This is the conflict signal the server's commit loop
// retries on; a second writer targeting the same version must observably
// fail with it.
var ErrVersionConflict = xerrors.New("op version conflict")

// DocInfo addresses one document.
type DocInfo struct {
	Collection string
	DocID      string
}

// GetOpsParams selects a contiguous run of committed ops starting at
// FromVersion. ToVersion 0 means unbounded.
type GetOpsParams struct {
	DocInfo
	FromVersion int
	ToVersion   int
}

// GetSnapshotParams selects the nearest snapshot at or before Version
// (LatestVersion for the newest) plus the ops needed to reach ToVersion
// (0 means all committed ops).
type GetSnapshotParams struct {
	DocInfo
	Version   int
	ToVersion int
}

// CommitOpParams appends one committed op.
type CommitOpParams struct {
	DocInfo
	Op types.Op
}

// SaveSnapshotParams stores one snapshot. A rollback-flagged snapshot
// discards all ops past its version.
type SaveSnapshotParams struct {
	DocInfo
	Snapshot types.Snapshot
}

// DB is the append-only op log and snapshot store. Implementations must
// serialize conflicting CommitOp appends at the same version. GetOps fails
// with a rollback-subtype error when the requested range straddles a
// rollback-flagged snapshot, and with a deleted-subtype error when the
// document was deleted.
type DB interface {
	GetOps(ctx context.Context, params GetOpsParams) ([]types.Op, error)
	GetSnapshot(ctx context.Context, params GetSnapshotParams) (*types.SnapshotAndOps, error)
	CommitOp(ctx context.Context, params CommitOpParams) error
	SaveSnapshot(ctx context.Context, params SaveSnapshotParams) error
	DeleteDoc(ctx context.Context, info DocInfo) error
}
