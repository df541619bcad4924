package types

// MessageType discriminates the JSON messages exchanged between client and
// server. Requests carry a nonzero Seq used to correlate the response;
// unsolicited server pushes carry no Seq.
type MessageType string

const (
	MessageGetSnapshot MessageType = "getSnapshot"
	MessageGetOps      MessageType = "getOps"
	MessageCommitOp    MessageType = "commitOp"
	MessageDeleteDoc   MessageType = "deleteDoc"
	MessageRollback    MessageType = "rollback"
	MessagePresence    MessageType = "presence"
	MessagePresences   MessageType = "presences"
	MessageRemoteOp    MessageType = "remoteOp"
)

// Message is the single wire envelope: one message is one JSON object with a
// type discriminator. Only the fields relevant to the given type are set.
// The document is implied by the connection; messages never carry a doc id.
type Message struct {
	Type  MessageType `json:"type"`
	Seq   int         `json:"seq,omitempty"`
	Error *ErrorInfo  `json:"error,omitempty"`

	// getSnapshot (0 or negative means latest) and rollback requests.
	Version int `json:"version,omitempty"`

	// getOps request range. ToVersion 0 means unbounded.
	FromVersion int `json:"fromVersion,omitempty"`
	ToVersion   int `json:"toVersion,omitempty"`

	// commitOp request.
	Op *Op `json:"op,omitempty"`

	// commitOp/getOps responses and remoteOp pushes.
	Ops []Op `json:"ops,omitempty"`

	// getSnapshot response.
	SnapshotAndOps *SnapshotAndOps `json:"snapshotAndOps,omitempty"`

	// presence traffic; Presences also rides on getSnapshot responses so a
	// joining client can render existing cursors immediately.
	ClientID  string              `json:"clientId,omitempty"`
	Presence  *Presence           `json:"presence,omitempty"`
	Presences map[string]Presence `json:"presences,omitempty"`
}
