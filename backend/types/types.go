package types

// Op is one atomic, versioned mutation submitted by a client. Version is the
// server-assigned sequence number and stays 0 until the op is committed.
type Op struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Version  int    `json:"version"`
	Content  any    `json:"content"`
}

// SameOp reports whether two ops are the same logical op. Identity is the
// (clientId, id) pair, so it survives re-versioning during a rebase.
func SameOp(a, b *Op) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ClientID == b.ClientID && a.ID == b.ID
}

// Snapshot is a materialized document state at a given committed version.
// Version is the version of the last op folded into the content; 0 denotes
// the empty initial state. Rollback marks a snapshot created by an
// administrative rollback.
type Snapshot struct {
	Version  int  `json:"version"`
	Rollback bool `json:"rollback,omitempty"`
	Content  any  `json:"content"`
}

// SnapshotAndOps is a snapshot plus the committed ops needed to reach a
// target version from it.
type SnapshotAndOps struct {
	Snapshot Snapshot `json:"snapshot"`
	Ops      []Op     `json:"ops"`
}

// Presence is an ephemeral, non-authoritative per-client value (e.g. a
// cursor). A nil Content means offline/cleared. Version is the document
// version the value was reported against.
type Presence struct {
	Version int `json:"version"`
	Content any `json:"content,omitempty"`
}

// PendingOp is a locally-submitted op paired with the inverse that undoes
// it. The invert shares the logical id of the op with a "-" prefix so the
// two are never confused.
type PendingOp struct {
	Op     Op
	Invert Op
}
