// Package channel implements an in-process transport used by tests: two
// stream ends connected back to back by buffered channels.
package channel

import (
	"sync"

	"otsync/backend/transport"
	"otsync/backend/types"
)

const defaultBuffer = 64

// NewPipe returns two connected stream ends. Messages sent on one end are
// received on the other. Closing either end closes both.
func NewPipe() (transport.Stream, transport.Stream) {
	aToB := make(chan *types.Message, defaultBuffer)
	bToA := make(chan *types.Message, defaultBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &end{in: bToA, out: aToB, closed: closed, once: once}
	b := &end{in: aToB, out: bToA, closed: closed, once: once}
	return a, b
}

// end implements one side of the pipe.
//
// - implements transport.Stream
type end struct {
	in     <-chan *types.Message
	out    chan<- *types.Message
	closed chan struct{}
	once   *sync.Once
}

// Send implements transport.Stream.
func (e *end) Send(msg *types.Message) error {
	select {
	case <-e.closed:
		return transport.ErrClosed
	case e.out <- msg:
		return nil
	}
}

// Recv implements transport.Stream.
func (e *end) Recv() (*types.Message, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		// Drain messages already in flight before reporting closure.
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, transport.ErrClosed
		}
	}
}

// Close implements transport.Stream.
func (e *end) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}
