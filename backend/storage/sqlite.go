package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"otsync/backend/types"
)

// Schema for the op log and snapshot tables. Applied by Open.
const schema = `
CREATE TABLE IF NOT EXISTS ops (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	op_id      TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	PRIMARY KEY (collection, doc_id, version)
);
CREATE TABLE IF NOT EXISTS snapshots (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	rollback   INTEGER NOT NULL DEFAULT 0,
	content    TEXT NOT NULL,
	PRIMARY KEY (collection, doc_id, version)
);
CREATE TABLE IF NOT EXISTS docs (
	collection       TEXT NOT NULL,
	doc_id           TEXT NOT NULL,
	deleted          INTEGER NOT NULL DEFAULT 0,
	rollback_version INTEGER NOT NULL DEFAULT -1,
	PRIMARY KEY (collection, doc_id)
);
`

// SqliteDB persists the op log and snapshots in a SQLite database. The
// ops table's primary key makes concurrent CommitOp appends at the same
// version observably fail, which is what the server's commit loop relies on.
//
// - implements storage.DB
type SqliteDB struct {
	db *sql.DB
}

// OpenSqlite opens (creating if needed) a SQLite-backed store at path.
func OpenSqlite(path string) (*SqliteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open sqlite db: %v", err)
	}
	// A single writer sidesteps SQLITE_BUSY on concurrent commits; version
	// conflicts surface as constraint errors instead.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, xerrors.Errorf("failed to apply schema: %v", err)
	}
	return &SqliteDB{db: db}, nil
}

// Close closes the underlying database.
func (s *SqliteDB) Close() error {
	return s.db.Close()
}

func (s *SqliteDB) docState(ctx context.Context, info DocInfo) (deleted bool, rollbackVersion int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT deleted, rollback_version FROM docs WHERE collection = ? AND doc_id = ?`,
		info.Collection, info.DocID)
	var del int
	switch err := row.Scan(&del, &rollbackVersion); {
	case err == sql.ErrNoRows:
		return false, -1, nil
	case err != nil:
		return false, -1, xerrors.Errorf("failed to read doc state: %v", err)
	}
	if del != 0 {
		return true, rollbackVersion, types.NewDeletedError(info.DocID)
	}
	return false, rollbackVersion, nil
}

func (s *SqliteDB) getOps(ctx context.Context, params GetOpsParams, rollbackVersion int) ([]types.Op, error) {
	if rollbackVersion >= 0 && params.FromVersion <= rollbackVersion &&
		(params.ToVersion == 0 || params.ToVersion > rollbackVersion) {
		return nil, types.NewRollbackError("range straddles a rollback")
	}
	query := `SELECT version, op_id, client_id, content FROM ops
		WHERE collection = ? AND doc_id = ? AND version >= ?`
	args := []any{params.Collection, params.DocID, params.FromVersion}
	if params.ToVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, params.ToVersion)
	}
	query += ` ORDER BY version`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("failed to query ops: %v", err)
	}
	defer rows.Close()

	var ops []types.Op
	next := params.FromVersion
	for rows.Next() {
		var op types.Op
		var content string
		if err := rows.Scan(&op.Version, &op.ID, &op.ClientID, &content); err != nil {
			return nil, xerrors.Errorf("failed to scan op: %v", err)
		}
		if err := json.Unmarshal([]byte(content), &op.Content); err != nil {
			return nil, xerrors.Errorf("failed to decode op content: %v", err)
		}
		// Truncate at the first missing version to keep the run gap-free.
		if op.Version != next {
			break
		}
		next++
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOps implements storage.DB.
func (s *SqliteDB) GetOps(ctx context.Context, params GetOpsParams) ([]types.Op, error) {
	_, rollbackVersion, err := s.docState(ctx, params.DocInfo)
	if err != nil {
		return nil, err
	}
	return s.getOps(ctx, params, rollbackVersion)
}

// GetSnapshot implements storage.DB.
func (s *SqliteDB) GetSnapshot(ctx context.Context, params GetSnapshotParams) (*types.SnapshotAndOps, error) {
	_, rollbackVersion, err := s.docState(ctx, params.DocInfo)
	if err != nil {
		return nil, err
	}

	query := `SELECT version, rollback, content FROM snapshots
		WHERE collection = ? AND doc_id = ?`
	args := []any{params.Collection, params.DocID}
	if params.Version != LatestVersion {
		query += ` AND version <= ?`
		args = append(args, params.Version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	snapshot := types.Snapshot{Version: 0}
	row := s.db.QueryRowContext(ctx, query, args...)
	var rollback int
	var content string
	switch err := row.Scan(&snapshot.Version, &rollback, &content); {
	case err == sql.ErrNoRows:
		// Fall back to the empty initial state.
	case err != nil:
		return nil, xerrors.Errorf("failed to read snapshot: %v", err)
	default:
		snapshot.Rollback = rollback != 0
		if err := json.Unmarshal([]byte(content), &snapshot.Content); err != nil {
			return nil, xerrors.Errorf("failed to decode snapshot content: %v", err)
		}
	}

	ops, err := s.getOps(ctx, GetOpsParams{
		DocInfo:     params.DocInfo,
		FromVersion: snapshot.Version + 1,
		ToVersion:   params.ToVersion,
	}, rollbackVersion)
	if err != nil {
		return nil, err
	}
	return &types.SnapshotAndOps{Snapshot: snapshot, Ops: ops}, nil
}

// CommitOp implements storage.DB.
func (s *SqliteDB) CommitOp(ctx context.Context, params CommitOpParams) error {
	if _, _, err := s.docState(ctx, params.DocInfo); err != nil {
		return err
	}
	content, err := json.Marshal(params.Op.Content)
	if err != nil {
		return xerrors.Errorf("failed to encode op content: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ops (collection, doc_id, version, op_id, client_id, content) VALUES (?, ?, ?, ?, ?, ?)`,
		params.Collection, params.DocID, params.Op.Version, params.Op.ID, params.Op.ClientID, string(content))
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return ErrVersionConflict
		}
		return xerrors.Errorf("failed to commit op: %v", err)
	}
	return nil
}

// SaveSnapshot implements storage.DB.
func (s *SqliteDB) SaveSnapshot(ctx context.Context, params SaveSnapshotParams) error {
	if _, _, err := s.docState(ctx, params.DocInfo); err != nil {
		return err
	}
	snapshot := params.Snapshot
	content, err := json.Marshal(snapshot.Content)
	if err != nil {
		return xerrors.Errorf("failed to encode snapshot content: %v", err)
	}
	rollback := 0
	if snapshot.Rollback {
		rollback = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (collection, doc_id, version, rollback, content) VALUES (?, ?, ?, ?, ?)`,
		params.Collection, params.DocID, snapshot.Version, rollback, string(content))
	if err != nil {
		return xerrors.Errorf("failed to save snapshot: %v", err)
	}
	if snapshot.Rollback {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM ops WHERE collection = ? AND doc_id = ? AND version > ?`,
			params.Collection, params.DocID, snapshot.Version); err != nil {
			return xerrors.Errorf("failed to discard rolled-back ops: %v", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO docs (collection, doc_id, deleted, rollback_version) VALUES (?, ?, 0, ?)
			ON CONFLICT (collection, doc_id) DO UPDATE SET rollback_version = excluded.rollback_version`,
			params.Collection, params.DocID, snapshot.Version); err != nil {
			return xerrors.Errorf("failed to record rollback: %v", err)
		}
	}
	return nil
}

// DeleteDoc implements storage.DB.
func (s *SqliteDB) DeleteDoc(ctx context.Context, info DocInfo) error {
	if _, _, err := s.docState(ctx, info); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO docs (collection, doc_id, deleted, rollback_version) VALUES (?, ?, 1, -1)
		ON CONFLICT (collection, doc_id) DO UPDATE SET deleted = 1`,
		info.Collection, info.DocID)
	if err != nil {
		return xerrors.Errorf("failed to delete doc: %v", err)
	}
	return nil
}
