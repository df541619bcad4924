// Package transport defines the duplex message pipe connecting a client
// document to its server agent.
package transport

import (
	"golang.org/x/xerrors"

	"otsync/backend/types"
)

// ErrClosed is returned by Send and Recv once a stream is closed.
var ErrClosed = xerrors.New("stream closed")

// Stream is a bidirectional, message-oriented pipe. Send and Recv are safe
// for concurrent use; Recv blocks until a message arrives or the stream is
// closed.
type Stream interface {
	Send(msg *types.Message) error
	Recv() (*types.Message, error)
	Close() error
}
