// Package client implements the client-side document: optimistic local
// editing over a pending-op queue, rebasing against server-committed ops,
// undo/redo and presence tracking.
package client

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"otsync/backend/ot"
	"otsync/backend/transport"
	"otsync/backend/types"
)

const (
	defaultUndoStackLimit      = 30
	defaultCacheServerOpsLimit = 500
	defaultSendDelay           = 300 * time.Millisecond
)

// ErrDocClosed is returned by operations on a closed document.
var ErrDocClosed = xerrors.New("document closed")

// DocConfig configures a client document.
type DocConfig struct {
	// ClientID identifies this client on every op it submits.
	ClientID string

	// Stream connects the document to its server agent. May be nil and
	// bound later with BindStream.
	Stream transport.Stream

	// Type is the pluggable document type.
	Type ot.Type

	// UndoStackLimit caps the undo history. 0 means the default (30).
	UndoStackLimit int

	// CacheServerOpsLimit caps the committed-op window kept for rebasing
	// stale remote presences. 0 means the default (500).
	CacheServerOpsLimit int

	// SendDelay is the debounce before flushing pending ops, giving typing
	// runs a chance to compose. 0 means the default (300ms), negative
	// disables the delay.
	SendDelay time.Duration

	// NewID generates op ids. Defaults to xid.
	NewID func() string

	Logger zerolog.Logger
}

// Doc is a client document. All exported methods are safe for concurrent
// use. Event handlers run synchronously while the document lock is held and
// must not call back into the document.
type Doc struct {
	conf   DocConfig
	runner *ot.Runner
	logger zerolog.Logger

	mu      sync.Mutex
	stream  transport.Stream
	seq     int
	callMap map[int]chan *types.Message

	data    any
	version int

	pendingOps []*types.PendingOp
	inflightOp *types.PendingOp
	sending    bool
	fetching   bool
	filling    bool
	// remoteHint records that a broadcast was skipped while an op was in
	// flight; a gap check runs once the queue drains.
	remoteHint bool
	closed     bool

	noPendingWaiters []chan struct{}

	undo           *UndoManager
	localPresence  *LocalPresence
	remotePresence *RemotePresence

	beforeOpEmitter       emitter[BeforeOpEvent]
	opEmitter             emitter[OpEvent]
	remoteOpEmitter       emitter[RemoteOpEvent]
	noPendingEmitter      emitter[NoPendingEvent]
	remoteDeleteEmitter   emitter[RemoteDeleteDocEvent]
	rollbackEmitter       emitter[RollbackEvent]
	remotePresenceEmitter emitter[RemotePresenceEvent]
}

// NewDoc creates a document and starts receiving on the configured stream.
// The document holds no content until Fetch succeeds.
func NewDoc(conf DocConfig) (*Doc, error) {
	if conf.ClientID == "" {
		conf.ClientID = xid.New().String()
	}
	if conf.Type == nil {
		return nil, xerrors.New("doc config misses the ot type")
	}
	if conf.UndoStackLimit == 0 {
		conf.UndoStackLimit = defaultUndoStackLimit
	}
	if conf.CacheServerOpsLimit == 0 {
		conf.CacheServerOpsLimit = defaultCacheServerOpsLimit
	}
	if conf.SendDelay == 0 {
		conf.SendDelay = defaultSendDelay
	}
	if conf.NewID == nil {
		conf.NewID = func() string { return xid.New().String() }
	}
	runner, err := ot.NewRunner(conf.Type)
	if err != nil {
		return nil, xerrors.Errorf("failed to create doc: %v", err)
	}
	d := &Doc{
		conf:    conf,
		runner:  runner,
		logger:  conf.Logger.With().Str("clientId", conf.ClientID).Logger(),
		callMap: make(map[int]chan *types.Message),
	}
	d.undo = newUndoManager(d, conf.UndoStackLimit)
	d.localPresence = &LocalPresence{doc: d}
	d.remotePresence = newRemotePresence(d, conf.CacheServerOpsLimit)
	if conf.Stream != nil {
		d.stream = conf.Stream
		go d.recvLoop(conf.Stream)
	}
	return d, nil
}

// ClientID returns the id this document submits ops under.
func (d *Doc) ClientID() string {
	return d.conf.ClientID
}

// Data returns the current document content including optimistic local ops.
func (d *Doc) Data() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// Version returns the next server version this document expects.
func (d *Doc) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// OnBeforeOp subscribes to BeforeOpEvent and returns the unsubscribe func.
func (d *Doc) OnBeforeOp(fn func(BeforeOpEvent)) func() { return d.beforeOpEmitter.subscribe(fn) }

// OnOp subscribes to OpEvent and returns the unsubscribe func.
func (d *Doc) OnOp(fn func(OpEvent)) func() { return d.opEmitter.subscribe(fn) }

// OnRemoteOp subscribes to RemoteOpEvent and returns the unsubscribe func.
func (d *Doc) OnRemoteOp(fn func(RemoteOpEvent)) func() { return d.remoteOpEmitter.subscribe(fn) }

// OnNoPending subscribes to NoPendingEvent and returns the unsubscribe func.
func (d *Doc) OnNoPending(fn func(NoPendingEvent)) func() { return d.noPendingEmitter.subscribe(fn) }

// OnRemoteDeleteDoc subscribes to RemoteDeleteDocEvent and returns the
// unsubscribe func.
func (d *Doc) OnRemoteDeleteDoc(fn func(RemoteDeleteDocEvent)) func() {
	return d.remoteDeleteEmitter.subscribe(fn)
}

// OnRollback subscribes to RollbackEvent and returns the unsubscribe func.
func (d *Doc) OnRollback(fn func(RollbackEvent)) func() { return d.rollbackEmitter.subscribe(fn) }

// OnRemotePresence subscribes to RemotePresenceEvent and returns the
// unsubscribe func.
func (d *Doc) OnRemotePresence(fn func(RemotePresenceEvent)) func() {
	return d.remotePresenceEmitter.subscribe(fn)
}

// Fetch loads the latest snapshot plus newer committed ops from the server
// and resets all local state, including the undo history.
func (d *Doc) Fetch() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDocClosed
	}
	d.fetching = true
	d.resetStateLocked()
	d.mu.Unlock()

	resp, err := d.call(&types.Message{Type: types.MessageGetSnapshot})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetching = false
	if err != nil {
		return xerrors.Errorf("failed to fetch snapshot: %v", err)
	}
	if resp.Error != nil {
		return d.handleErrorInfoLocked(resp.Error)
	}
	sa := resp.SnapshotAndOps
	if sa == nil {
		return xerrors.New("malformed getSnapshot response")
	}
	data := sa.Snapshot.Content
	if data == nil {
		data = d.runner.Create()
	}
	version := sa.Snapshot.Version + 1
	if err := d.runner.DecodeOps(sa.Ops); err != nil {
		return xerrors.Errorf("failed to decode snapshot ops: %v", err)
	}
	for i := range sa.Ops {
		data, _, err = d.runner.ApplyAndInvert(data, sa.Ops[i].Content, false)
		if err != nil {
			return xerrors.Errorf("failed to apply op %d: %v", sa.Ops[i].Version, err)
		}
		version = sa.Ops[i].Version + 1
	}
	d.data = data
	d.version = version
	d.remotePresence.reload(resp.Presences)
	return nil
}

// SubmitOp applies content locally and queues it for the server. Adjacent
// queued ops are composed when the type supports it.
func (d *Doc) SubmitOp(content any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDocClosed
	}
	if d.version == 0 {
		return xerrors.New("document not fetched")
	}
	d.fireBeforeOpLocked([]any{content}, []string{d.conf.ClientID}, true, false)
	newData, inv, err := d.runner.ApplyAndInvert(d.data, content, true)
	if err != nil {
		return xerrors.Errorf("failed to apply op: %v", err)
	}
	d.data = newData

	// Fold into the last unsent op when possible so a typing run travels as
	// one op and undoes as one step.
	if d.runner.CanCompose() && len(d.pendingOps) > 0 {
		last := d.pendingOps[len(d.pendingOps)-1]
		if d.undo.canComposeInto(last.Op.ID) {
			if composed, ok := d.runner.Compose(content, last.Op.Content); ok {
				if composedInv, ok2 := d.runner.Compose(last.Invert.Content, inv); ok2 {
					last.Op.Content = composed
					last.Invert.Content = composedInv
					d.undo.syncPendingOps([]*types.PendingOp{last})
					d.fireOpLocked([]any{content}, []string{d.conf.ClientID}, true, false)
					go d.checkSend()
					return nil
				}
			}
		}
	}

	id := d.conf.NewID()
	p := &types.PendingOp{
		Op:     types.Op{ID: id, ClientID: d.conf.ClientID, Content: content},
		Invert: types.Op{ID: "-" + id, ClientID: d.conf.ClientID, Content: inv},
	}
	d.pendingOps = append(d.pendingOps, p)
	d.undo.submitOp(p)
	d.fireOpLocked([]any{content}, []string{d.conf.ClientID}, true, false)
	go d.checkSend()
	return nil
}

// CanUndo reports whether an undo step is available.
func (d *Doc) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undo.canUndo()
}

// CanRedo reports whether a redo step is available.
func (d *Doc) CanRedo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undo.canRedo()
}

// Undo reverts the newest op on the undo stack. A no-op when the stack is
// empty.
func (d *Doc) Undo() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDocClosed
	}
	performed, err := d.undo.performUndo()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if performed {
		go d.checkSend()
	}
	return nil
}

// Redo re-applies the newest undone op. A no-op when the redo stack is
// empty.
func (d *Doc) Redo() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDocClosed
	}
	performed, err := d.undo.performRedo()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if performed {
		go d.checkSend()
	}
	return nil
}

// Delete deletes the document on the server. Terminal: other clients get a
// deleteDoc push and all later requests fail with a deleted error.
func (d *Doc) Delete() error {
	resp, err := d.call(&types.Message{Type: types.MessageDeleteDoc})
	if err != nil {
		return xerrors.Errorf("failed to delete doc: %v", err)
	}
	if resp.Error != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.handleErrorInfoLocked(resp.Error)
	}
	return nil
}

// Rollback rewinds the document history to the given committed version. All
// connected clients, this one included, get a rollback push and must fetch
// again.
func (d *Doc) Rollback(version int) error {
	resp, err := d.call(&types.Message{Type: types.MessageRollback, Version: version})
	if err != nil {
		return xerrors.Errorf("failed to roll back doc: %v", err)
	}
	if resp.Error != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.handleErrorInfoLocked(resp.Error)
	}
	return nil
}

// SubmitPresence records this client's presence value and flushes it to the
// server once the pending queue drains. Only the newest value is sent. A
// nil value reports offline.
func (d *Doc) SubmitPresence(value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDocClosed
	}
	d.localPresence.submit(value)
	return nil
}

// RefreshPresences re-requests the server's presence aggregate and reloads
// the remote set from it.
func (d *Doc) RefreshPresences() error {
	resp, err := d.call(&types.Message{Type: types.MessagePresences})
	if err != nil {
		return xerrors.Errorf("failed to refresh presences: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if resp.Error != nil {
		return d.handleErrorInfoLocked(resp.Error)
	}
	if d.closed || d.fetching {
		return nil
	}
	d.remotePresence.reload(resp.Presences)
	return nil
}

// RemotePresences returns the synced presence values by client id.
func (d *Doc) RemotePresences() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotePresence.values()
}

// WaitNoPending blocks until no local op is queued or in flight.
func (d *Doc) WaitNoPending() {
	d.mu.Lock()
	if len(d.pendingOps) == 0 && d.inflightOp == nil && !d.sending {
		d.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	d.noPendingWaiters = append(d.noPendingWaiters, ch)
	d.mu.Unlock()
	<-ch
}

// BindStream replaces the document's stream, e.g. after a reconnect. Calls
// waiting on the old stream fail; the caller should Fetch afterwards to
// resync.
func (d *Doc) BindStream(stream transport.Stream) {
	d.mu.Lock()
	old := d.stream
	d.stream = stream
	d.failCallsLocked()
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go d.recvLoop(stream)
}

// Close closes the document and its stream.
func (d *Doc) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stream := d.stream
	waiters := d.noPendingWaiters
	d.noPendingWaiters = nil
	d.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}

func (d *Doc) resetStateLocked() {
	d.data = nil
	d.version = 0
	d.pendingOps = nil
	d.inflightOp = nil
	d.remoteHint = false
	d.undo.clear()
	d.remotePresence.clear()
	// Dropping the queue satisfies anyone waiting for it to drain; without
	// this a waiter registered before a failed send would block forever.
	waiters := d.noPendingWaiters
	d.noPendingWaiters = nil
	for _, ch := range waiters {
		close(ch)
	}
}

// call sends a request and blocks until its response arrives or the stream
// fails.
func (d *Doc) call(msg *types.Message) (*types.Message, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDocClosed
	}
	stream := d.stream
	if stream == nil {
		d.mu.Unlock()
		return nil, xerrors.New("no stream bound")
	}
	d.seq++
	msg.Seq = d.seq
	ch := make(chan *types.Message, 1)
	d.callMap[msg.Seq] = ch
	d.mu.Unlock()

	if err := stream.Send(msg); err != nil {
		d.mu.Lock()
		delete(d.callMap, msg.Seq)
		d.mu.Unlock()
		return nil, xerrors.Errorf("failed to send %s request: %v", msg.Type, err)
	}
	resp, ok := <-ch
	if !ok {
		return nil, transport.ErrClosed
	}
	return resp, nil
}

func (d *Doc) failCallsLocked() {
	for _, ch := range d.callMap {
		close(ch)
	}
	d.callMap = make(map[int]chan *types.Message)
}

func (d *Doc) recvLoop(stream transport.Stream) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			d.mu.Lock()
			if d.stream == stream {
				d.failCallsLocked()
			}
			d.mu.Unlock()
			if err != transport.ErrClosed {
				d.logger.Debug().Err(err).Msg("Stream receive failed")
			}
			return
		}
		d.handleMessage(msg)
	}
}

func (d *Doc) handleMessage(msg *types.Message) {
	if msg.Seq != 0 {
		d.mu.Lock()
		ch, ok := d.callMap[msg.Seq]
		delete(d.callMap, msg.Seq)
		d.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	switch msg.Type {
	case types.MessageRemoteOp:
		d.handleRemoteOp(msg)
	case types.MessagePresence:
		d.handlePresence(msg)
	case types.MessageDeleteDoc:
		d.mu.Lock()
		d.remoteDeleteEmitter.emit(RemoteDeleteDocEvent{})
		d.mu.Unlock()
	case types.MessageRollback:
		d.mu.Lock()
		d.rollbackEmitter.emit(RollbackEvent{})
		d.mu.Unlock()
	default:
		d.logger.Warn().Str("type", string(msg.Type)).Msg("Unexpected push message")
	}
}

// handleErrorInfoLocked turns a response error into an OTError and fires the
// matching terminal event.
func (d *Doc) handleErrorInfoLocked(info *types.ErrorInfo) error {
	switch info.SubType {
	case types.ErrorSubTypeDeleted:
		d.remoteDeleteEmitter.emit(RemoteDeleteDocEvent{})
	case types.ErrorSubTypeRollback:
		d.rollbackEmitter.emit(RollbackEvent{})
	}
	return &types.OTError{Info: *info}
}

// checkSend is the single-flight sender: one goroutine at a time drains the
// pending queue, one op in flight.
func (d *Doc) checkSend() {
	d.mu.Lock()
	if d.sending || d.closed || len(d.pendingOps) == 0 {
		d.mu.Unlock()
		return
	}
	d.sending = true
	delay := d.conf.SendDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	for {
		d.mu.Lock()
		if d.closed {
			d.sending = false
			d.mu.Unlock()
			return
		}
		if len(d.pendingOps) == 0 {
			d.sending = false
			waiters := d.noPendingWaiters
			d.noPendingWaiters = nil
			if d.remoteHint {
				d.remoteHint = false
				d.scheduleFillGapLocked()
			}
			d.mu.Unlock()
			d.noPendingEmitter.emit(NoPendingEvent{})
			for _, ch := range waiters {
				close(ch)
			}
			return
		}
		p := d.pendingOps[0]
		d.pendingOps = d.pendingOps[1:]
		d.inflightOp = p
		p.Op.Version = d.version
		op := p.Op
		d.mu.Unlock()

		resp, err := d.call(&types.Message{Type: types.MessageCommitOp, Op: &op})
		if err != nil {
			// The op stays in flight; a rebind plus fetch recovers.
			d.mu.Lock()
			d.sending = false
			d.mu.Unlock()
			d.logger.Debug().Err(err).Msg("Failed to commit op")
			return
		}

		d.mu.Lock()
		err = d.handleCommitOpResponseLocked(resp)
		if err != nil {
			d.sending = false
			d.mu.Unlock()
			d.logger.Error().Err(err).Msg("Failed to handle commit response")
			return
		}
		d.mu.Unlock()
	}
}

func (d *Doc) handleCommitOpResponseLocked(resp *types.Message) error {
	inflight := d.inflightOp
	if inflight == nil {
		// A fetch reset the state while the commit was in flight.
		return nil
	}
	if resp.Error != nil {
		return d.handleErrorInfoLocked(resp.Error)
	}
	ops := resp.Ops
	if err := d.runner.DecodeOps(ops); err != nil {
		return xerrors.Errorf("failed to decode commit response: %v", err)
	}
	myIndex := -1
	for i := range ops {
		if types.SameOp(&ops[i], &inflight.Op) {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		return xerrors.Errorf("commit response misses op %s", inflight.Op.ID)
	}
	myOp := ops[myIndex]
	d.inflightOp = nil
	return d.applyServerRunLocked(ops[:myIndex], &myOp, inflight, ops[myIndex+1:])
}

// applyServerRunLocked folds one contiguous run of committed ops into the
// document: the foreign ops before this client's own op, the own op (nil
// for a pure remote run), and the foreign ops after. Local speculation is
// unwound, the run replayed, and remaining pending ops rebased on top.
func (d *Doc) applyServerRunLocked(prevOps []types.Op, myOp *types.Op, inflight *types.PendingOp, afterOps []types.Op) error {
	if myOp == nil && len(prevOps)+len(afterOps) == 0 {
		return nil
	}

	// Own op confirmed unchanged: nothing moved, just advance.
	if myOp != nil && len(prevOps) == 0 && len(afterOps) == 0 {
		d.version = myOp.Version + 1
		d.fireRemoteOpLocked(RemoteOpEvent{SourceOp: myOp, SourceInvert: &inflight.Invert})
		return nil
	}

	foreign := make([]types.Op, 0, len(prevOps)+len(afterOps))
	foreign = append(foreign, prevOps...)
	foreign = append(foreign, afterOps...)
	lastVersion := 0
	if len(prevOps) > 0 {
		lastVersion = prevOps[len(prevOps)-1].Version
	}
	if myOp != nil {
		lastVersion = myOp.Version
	}
	if len(afterOps) > 0 {
		lastVersion = afterOps[len(afterOps)-1].Version
	}

	locals := d.pendingOps
	if myOp == nil && len(locals) == 0 {
		contents, clientIDs := opContents(foreign)
		d.fireBeforeOpLocked(contents, clientIDs, false, false)
		for i := range foreign {
			newData, _, err := d.runner.ApplyAndInvert(d.data, foreign[i].Content, false)
			if err != nil {
				return xerrors.Errorf("failed to apply remote op %d: %v", foreign[i].Version, err)
			}
			d.data = newData
		}
		d.version = lastVersion + 1
		d.fireOpLocked(contents, clientIDs, false, false)
		d.fireRemoteOpLocked(RemoteOpEvent{PrevOps: prevOps, AfterOps: afterOps})
		return nil
	}

	// Rebase: unwind local speculation, replay the committed run, re-apply
	// the transformed pending ops.
	all := locals
	if inflight != nil {
		all = append([]*types.PendingOp{inflight}, locals...)
	}
	localContents := make([]any, len(all))
	for i, p := range all {
		localContents[i] = p.Op.Content
	}
	prevContents, _ := opContents(prevOps)
	rebased, _, err := d.runner.Transform(localContents, prevContents)
	if err != nil {
		return xerrors.Errorf("failed to transform pending ops: %v", err)
	}
	if myOp != nil {
		// The committed form of the own op comes back from the server.
		rebased = rebased[1:]
	}
	afterContents, _ := opContents(afterOps)
	rebased, _, err = d.runner.Transform(rebased, afterContents)
	if err != nil {
		return xerrors.Errorf("failed to transform pending ops: %v", err)
	}

	run := make([]types.Op, 0, len(prevOps)+1+len(afterOps))
	run = append(run, prevOps...)
	if myOp != nil {
		run = append(run, *myOp)
	}
	run = append(run, afterOps...)

	eventContents := make([]any, 0, 2*len(all)+len(run))
	eventIDs := make([]string, 0, 2*len(all)+len(run))
	for i := len(all) - 1; i >= 0; i-- {
		eventContents = append(eventContents, all[i].Invert.Content)
		eventIDs = append(eventIDs, d.conf.ClientID)
	}
	for i := range run {
		eventContents = append(eventContents, run[i].Content)
		eventIDs = append(eventIDs, run[i].ClientID)
	}
	for _, content := range rebased {
		eventContents = append(eventContents, content)
		eventIDs = append(eventIDs, d.conf.ClientID)
	}
	d.fireBeforeOpLocked(eventContents, eventIDs, false, false)

	for i := len(all) - 1; i >= 0; i-- {
		newData, _, err := d.runner.ApplyAndInvert(d.data, all[i].Invert.Content, false)
		if err != nil {
			return xerrors.Errorf("failed to unwind pending op: %v", err)
		}
		d.data = newData
	}
	var myInvert *types.Op
	for i := range run {
		invert := myOp != nil && types.SameOp(&run[i], myOp)
		newData, inv, err := d.runner.ApplyAndInvert(d.data, run[i].Content, invert)
		if err != nil {
			return xerrors.Errorf("failed to apply remote op %d: %v", run[i].Version, err)
		}
		d.data = newData
		if invert {
			iv := inflight.Invert
			iv.Content = inv
			myInvert = &iv
		}
	}
	for i, p := range locals {
		p.Op.Content = rebased[i]
		newData, inv, err := d.runner.ApplyAndInvert(d.data, p.Op.Content, true)
		if err != nil {
			return xerrors.Errorf("failed to re-apply pending op: %v", err)
		}
		d.data = newData
		p.Invert.Content = inv
	}
	d.version = lastVersion + 1
	d.fireOpLocked(eventContents, eventIDs, false, false)
	d.fireRemoteOpLocked(RemoteOpEvent{PrevOps: prevOps, SourceOp: myOp, SourceInvert: myInvert, AfterOps: afterOps})
	d.undo.syncPendingOps(locals)
	return nil
}

// handleRemoteOp folds a remoteOp push into the document. Pushes racing an
// in-flight commit are skipped; the commit response carries them, and a gap
// check after the queue drains picks up any the response did not.
func (d *Doc) handleRemoteOp(msg *types.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.fetching || d.version == 0 {
		return
	}
	if d.sending || d.inflightOp != nil {
		d.remoteHint = true
		return
	}
	ops := make([]types.Op, 0, len(msg.Ops))
	for _, op := range msg.Ops {
		if op.Version < d.version || op.ClientID == d.conf.ClientID {
			continue
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return
	}
	if ops[0].Version > d.version {
		d.scheduleFillGapLocked()
		return
	}
	if err := d.runner.DecodeOps(ops); err != nil {
		d.logger.Error().Err(err).Msg("Failed to decode remote ops")
		return
	}
	if err := d.applyServerRunLocked(ops, nil, nil, nil); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply remote ops")
	}
}

func (d *Doc) scheduleFillGapLocked() {
	if d.filling {
		return
	}
	d.filling = true
	go d.fillGap()
}

// fillGap fetches committed ops this client missed, e.g. broadcasts skipped
// while an op was in flight.
func (d *Doc) fillGap() {
	d.mu.Lock()
	if d.closed || d.fetching || d.sending || d.inflightOp != nil {
		if d.sending || d.inflightOp != nil {
			d.remoteHint = true
		}
		d.filling = false
		d.mu.Unlock()
		return
	}
	from := d.version
	d.mu.Unlock()

	resp, err := d.call(&types.Message{Type: types.MessageGetOps, FromVersion: from})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.filling = false
	if err != nil {
		d.logger.Debug().Err(err).Msg("Failed to fill op gap")
		return
	}
	if resp.Error != nil {
		_ = d.handleErrorInfoLocked(resp.Error)
		return
	}
	if d.closed || d.fetching {
		return
	}
	if d.sending || d.inflightOp != nil {
		d.remoteHint = true
		return
	}
	ops := make([]types.Op, 0, len(resp.Ops))
	for _, op := range resp.Ops {
		if op.Version >= d.version {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return
	}
	if err := d.runner.DecodeOps(ops); err != nil {
		d.logger.Error().Err(err).Msg("Failed to decode remote ops")
		return
	}
	if err := d.applyServerRunLocked(ops, nil, nil, nil); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply remote ops")
	}
}

func (d *Doc) handlePresence(msg *types.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.fetching || msg.ClientID == "" {
		return
	}
	p := types.Presence{}
	if msg.Presence != nil {
		p = *msg.Presence
	}
	d.remotePresence.onPresenceMessage(msg.ClientID, p, nil)
}

func (d *Doc) fireBeforeOpLocked(contents []any, clientIDs []string, source, undoRedo bool) {
	d.beforeOpEmitter.emit(BeforeOpEvent{Ops: contents, ClientIDs: clientIDs, Source: source, UndoRedo: undoRedo})
}

func (d *Doc) fireOpLocked(contents []any, clientIDs []string, source, undoRedo bool) {
	d.localPresence.onOp(contents, clientIDs)
	d.remotePresence.syncRemotePresences(contents, clientIDs, source)
	d.opEmitter.emit(OpEvent{Ops: contents, ClientIDs: clientIDs, Source: source, UndoRedo: undoRedo})
}

func (d *Doc) fireRemoteOpLocked(e RemoteOpEvent) {
	d.undo.onRemoteOp(e)
	d.remotePresence.onRemoteOp(e)
	d.remoteOpEmitter.emit(e)
}

// submitPendingOpLocked applies and queues an undo/redo resubmission. The
// invert is derived fresh against the current content.
func (d *Doc) submitPendingOpLocked(p *types.PendingOp) error {
	d.fireBeforeOpLocked([]any{p.Op.Content}, []string{d.conf.ClientID}, true, true)
	newData, inv, err := d.runner.ApplyAndInvert(d.data, p.Op.Content, true)
	if err != nil {
		return xerrors.Errorf("failed to apply op: %v", err)
	}
	d.data = newData
	p.Invert.Content = inv
	d.pendingOps = append(d.pendingOps, p)
	d.fireOpLocked([]any{p.Op.Content}, []string{d.conf.ClientID}, true, true)
	return nil
}

func opContents(ops []types.Op) ([]any, []string) {
	contents := make([]any, len(ops))
	clientIDs := make([]string, len(ops))
	for i := range ops {
		contents[i] = ops[i].Content
		clientIDs[i] = ops[i].ClientID
	}
	return contents, clientIDs
}
