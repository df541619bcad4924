package storage

import (
	"context"
	"sync"

	"otsync/backend/types"
)

// MemoryDB is the in-process DB used by tests and single-node deployments.
//
// - implements storage.DB
type MemoryDB struct {
	mu   sync.Mutex
	docs map[string]*memDoc
}

type memDoc struct {
	deleted bool
	ops     map[int]types.Op
	// maxVersion is the highest committed op version.
	maxVersion int
	snapshots  map[int]types.Snapshot
	// maxSnapshotVersion is -1 until a snapshot is stored; the empty state
	// at version 0 is synthesized on demand.
	maxSnapshotVersion int
	// rollbackVersion is the version of the newest rollback-flagged
	// snapshot, -1 if history was never rolled back.
	rollbackVersion int
}

// NewMemoryDB returns an empty in-memory store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{docs: make(map[string]*memDoc)}
}

func docKey(info DocInfo) string {
	return info.Collection + "_" + info.DocID
}

func (db *MemoryDB) getOrCreate(info DocInfo) *memDoc {
	doc := db.docs[docKey(info)]
	if doc == nil {
		doc = &memDoc{
			ops:                make(map[int]types.Op),
			snapshots:          make(map[int]types.Snapshot),
			maxSnapshotVersion: -1,
			rollbackVersion:    -1,
		}
		db.docs[docKey(info)] = doc
	}
	return doc
}

func (db *MemoryDB) lookup(info DocInfo) (*memDoc, error) {
	doc := db.docs[docKey(info)]
	if doc != nil && doc.deleted {
		return nil, types.NewDeletedError(info.DocID)
	}
	return doc, nil
}

// GetOps implements storage.DB.
func (db *MemoryDB) GetOps(_ context.Context, params GetOpsParams) ([]types.Op, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc, err := db.lookup(params.DocInfo)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.getOps(params.FromVersion, params.ToVersion)
}

func (doc *memDoc) getOps(fromVersion, toVersion int) ([]types.Op, error) {
	if doc.rollbackVersion >= 0 && fromVersion <= doc.rollbackVersion &&
		(toVersion == 0 || toVersion > doc.rollbackVersion) {
		return nil, types.NewRollbackError("range straddles a rollback")
	}
	var ops []types.Op
	for v := fromVersion; toVersion == 0 || v <= toVersion; v++ {
		op, ok := doc.ops[v]
		if !ok {
			break
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// GetSnapshot implements storage.DB.
func (db *MemoryDB) GetSnapshot(_ context.Context, params GetSnapshotParams) (*types.SnapshotAndOps, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc, err := db.lookup(params.DocInfo)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return &types.SnapshotAndOps{Snapshot: types.Snapshot{Version: 0}}, nil
	}

	version := params.Version
	if version == LatestVersion {
		version = doc.maxSnapshotVersion
		if version < 0 {
			version = 0
		}
	} else if version > doc.maxSnapshotVersion {
		version = doc.maxSnapshotVersion
	}

	snapshot := types.Snapshot{Version: 0}
	for v := version; v >= 0; v-- {
		if s, ok := doc.snapshots[v]; ok {
			snapshot = s
			break
		}
	}

	ops, err := doc.getOps(snapshot.Version+1, params.ToVersion)
	if err != nil {
		return nil, err
	}
	return &types.SnapshotAndOps{Snapshot: snapshot, Ops: ops}, nil
}

// CommitOp implements storage.DB.
func (db *MemoryDB) CommitOp(_ context.Context, params CommitOpParams) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.lookup(params.DocInfo); err != nil {
		return err
	}
	doc := db.getOrCreate(params.DocInfo)
	if _, ok := doc.ops[params.Op.Version]; ok {
		return ErrVersionConflict
	}
	doc.ops[params.Op.Version] = params.Op
	if params.Op.Version > doc.maxVersion {
		doc.maxVersion = params.Op.Version
	}
	return nil
}

// SaveSnapshot implements storage.DB.
func (db *MemoryDB) SaveSnapshot(_ context.Context, params SaveSnapshotParams) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.lookup(params.DocInfo); err != nil {
		return err
	}
	doc := db.getOrCreate(params.DocInfo)
	snapshot := params.Snapshot
	doc.snapshots[snapshot.Version] = snapshot
	if snapshot.Version > doc.maxSnapshotVersion {
		doc.maxSnapshotVersion = snapshot.Version
	}
	if snapshot.Rollback {
		// History past the rollback point is discarded; committed versions
		// resume right after it.
		doc.rollbackVersion = snapshot.Version
		for v := snapshot.Version + 1; v <= doc.maxVersion; v++ {
			delete(doc.ops, v)
		}
		doc.maxVersion = snapshot.Version
	}
	return nil
}

// DeleteDoc implements storage.DB.
func (db *MemoryDB) DeleteDoc(_ context.Context, info DocInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc, err := db.lookup(info)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = db.getOrCreate(info)
	}
	doc.deleted = true
	return nil
}
