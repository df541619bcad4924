package server

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"otsync/backend/ot"
	"otsync/backend/pubsub"
	"otsync/backend/storage"
	"otsync/backend/transport"
	"otsync/backend/types"
)

// AgentConfig configures the agent serving one client stream.
type AgentConfig struct {
	Stream     transport.Stream
	Collection string
	DocID      string
	ClientID   string
	Type       ot.Type
	Logger     zerolog.Logger

	// Custom carries opaque application data, e.g. auth info resolved by
	// the HTTP layer.
	Custom any
}

// Agent serves one client stream against one document: it answers requests,
// commits ops through the optimistic loop and forwards the document
// channel's broadcasts.
type Agent struct {
	srv    *Server
	conf   AgentConfig
	runner *ot.Runner
	logger zerolog.Logger

	docInfo storage.DocInfo

	mu     sync.Mutex
	sub    pubsub.Subscription
	closed bool
}

func newAgent(s *Server, conf AgentConfig) (*Agent, error) {
	if conf.Stream == nil {
		return nil, xerrors.New("agent config misses the stream")
	}
	if conf.Type == nil {
		return nil, xerrors.New("agent config misses the ot type")
	}
	runner, err := ot.NewRunner(conf.Type)
	if err != nil {
		return nil, err
	}
	logger := conf.Logger.With().
		Str("collection", conf.Collection).
		Str("docId", conf.DocID).
		Str("clientId", conf.ClientID).
		Logger()
	return &Agent{
		srv:     s,
		conf:    conf,
		runner:  runner,
		logger:  logger,
		docInfo: storage.DocInfo{Collection: conf.Collection, DocID: conf.DocID},
	}, nil
}

// ClientID returns the id of the served client.
func (a *Agent) ClientID() string {
	return a.conf.ClientID
}

// Custom returns the opaque application data attached at creation.
func (a *Agent) Custom() any {
	return a.conf.Custom
}

func (a *Agent) channel() string {
	return a.conf.Collection + "/" + a.conf.DocID
}

func (a *Agent) subscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sub = a.srv.conf.PubSub.Subscribe(a.channel(), a.onBroadcast)
}

// onBroadcast forwards a document-channel publication to the client. The
// publishing agent and the author of a committed op never get their own
// traffic back.
func (a *Agent) onBroadcast(data any) {
	b, ok := data.(*broadcast)
	if !ok || b.from == a {
		return
	}
	msg := b.msg
	if msg.Type == types.MessageRemoteOp {
		ops := make([]types.Op, 0, len(msg.Ops))
		for _, op := range msg.Ops {
			if op.ClientID != a.conf.ClientID {
				ops = append(ops, op)
			}
		}
		if len(ops) == 0 {
			return
		}
		msg = &types.Message{Type: types.MessageRemoteOp, Ops: ops}
	}
	if msg.Type == types.MessagePresence && msg.ClientID == a.conf.ClientID {
		return
	}
	a.send(msg)
}

func (a *Agent) send(msg *types.Message) {
	if err := a.conf.Stream.Send(msg); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to send message")
	}
}

// run is the agent's read loop. It returns when the stream fails or closes.
func (a *Agent) run() {
	for {
		msg, err := a.conf.Stream.Recv()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				a.logger.Debug().Err(err).Msg("Stream receive failed")
			}
			return
		}
		a.handleMessage(context.Background(), msg)
	}
}

// clean unsubscribes the agent and closes its stream.
func (a *Agent) clean() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sub := a.sub
	a.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	a.conf.Stream.Close()
}

func (a *Agent) handleMessage(ctx context.Context, msg *types.Message) {
	var resp *types.Message
	var err error
	switch msg.Type {
	case types.MessageGetSnapshot:
		resp, err = a.handleGetSnapshot(ctx, msg)
	case types.MessageGetOps:
		resp, err = a.handleGetOps(ctx, msg)
	case types.MessageCommitOp:
		resp, err = a.handleCommitOp(ctx, msg)
	case types.MessageDeleteDoc:
		resp, err = a.handleDeleteDoc(ctx, msg)
	case types.MessageRollback:
		resp, err = a.handleRollback(ctx, msg)
	case types.MessagePresences:
		resp = &types.Message{Type: types.MessagePresences, Presences: a.srv.presencesFor(a.channel())}
	case types.MessagePresence:
		a.handlePresence(msg)
		return
	default:
		err = xerrors.Errorf("unexpected message type %s", msg.Type)
	}
	if err != nil {
		resp = &types.Message{Type: msg.Type, Error: errorInfo(err)}
		a.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Request failed")
	}
	if resp == nil {
		return
	}
	resp.Seq = msg.Seq
	a.send(resp)
}

// errorInfo resolves an error into its wire shape. Structured OT errors
// keep their subtype; everything else travels as a plain detail.
func errorInfo(err error) *types.ErrorInfo {
	otErr := &types.OTError{}
	if errors.As(err, &otErr) {
		return &otErr.Info
	}
	return &types.ErrorInfo{Detail: err.Error()}
}

func (a *Agent) handleGetSnapshot(ctx context.Context, msg *types.Message) (*types.Message, error) {
	version := msg.Version
	if version <= 0 {
		version = storage.LatestVersion
	}
	sa, err := a.srv.conf.DB.GetSnapshot(ctx, storage.GetSnapshotParams{
		DocInfo: a.docInfo,
		Version: version,
	})
	if err != nil {
		return nil, err
	}
	return &types.Message{
		Type:           types.MessageGetSnapshot,
		SnapshotAndOps: sa,
		Presences:      a.srv.presencesFor(a.channel()),
	}, nil
}

func (a *Agent) handleGetOps(ctx context.Context, msg *types.Message) (*types.Message, error) {
	ops, err := a.srv.conf.DB.GetOps(ctx, storage.GetOpsParams{
		DocInfo:     a.docInfo,
		FromVersion: msg.FromVersion,
		ToVersion:   msg.ToVersion,
	})
	if err != nil {
		return nil, err
	}
	return &types.Message{Type: types.MessageGetOps, Ops: ops}, nil
}

// handleCommitOp runs the optimistic commit loop: read the ops committed
// since the client's base version, transform the incoming op over them,
// append at the tail, retry on version conflict. A run is resolved at most
// a handful of times under contention; the loop has no upper bound because
// every conflict means someone else made progress.
func (a *Agent) handleCommitOp(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if msg.Op == nil {
		return nil, xerrors.New("commitOp request misses the op")
	}
	op := *msg.Op
	if op.ClientID == "" {
		op.ClientID = a.conf.ClientID
	}
	content, err := a.runner.DecodeOp(op.Content)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode op: %v", err)
	}
	op.Content = content
	base := op.Version
	if base < 1 {
		return nil, xerrors.Errorf("invalid op base version %d", base)
	}

	for {
		ops, err := a.srv.conf.DB.GetOps(ctx, storage.GetOpsParams{DocInfo: a.docInfo, FromVersion: base})
		if err != nil {
			return nil, err
		}
		// A resend of an op that already landed: return the same run a
		// fresh commit would have produced instead of committing twice.
		for i := range ops {
			if types.SameOp(&ops[i], &op) {
				return &types.Message{Type: types.MessageCommitOp, Ops: ops}, nil
			}
		}
		if err := a.runner.DecodeOps(ops); err != nil {
			return nil, xerrors.Errorf("failed to decode committed ops: %v", err)
		}

		attempt := op
		if len(ops) > 0 {
			contents := make([]any, len(ops))
			for i := range ops {
				contents[i] = ops[i].Content
			}
			transformed, _, err := a.runner.Transform([]any{op.Content}, contents)
			if err != nil {
				return nil, xerrors.Errorf("failed to transform op: %v", err)
			}
			attempt.Content = transformed[0]
		}
		attempt.Version = base + len(ops)

		err = a.srv.conf.DB.CommitOp(ctx, storage.CommitOpParams{DocInfo: a.docInfo, Op: attempt})
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		a.srv.publish(a, a.channel(), &types.Message{Type: types.MessageRemoteOp, Ops: []types.Op{attempt}})
		if a.srv.conf.SaveInterval > 0 && attempt.Version%a.srv.conf.SaveInterval == 0 {
			go a.saveSnapshot(attempt.Version)
		}
		return &types.Message{Type: types.MessageCommitOp, Ops: append(ops, attempt)}, nil
	}
}

// saveSnapshot materializes and stores the checkpoint at version. Runs off
// the request path; a failed checkpoint only costs replay time later.
func (a *Agent) saveSnapshot(version int) {
	ctx := context.Background()
	content, reached, err := a.materialize(ctx, version)
	if err != nil || reached != version {
		a.logger.Warn().Err(err).Int("version", version).Msg("Failed to save snapshot")
		return
	}
	err = a.srv.conf.DB.SaveSnapshot(ctx, storage.SaveSnapshotParams{
		DocInfo:  a.docInfo,
		Snapshot: types.Snapshot{Version: version, Content: content},
	})
	if err != nil {
		a.logger.Warn().Err(err).Int("version", version).Msg("Failed to save snapshot")
	}
}

// materialize folds committed ops onto the nearest stored snapshot and
// returns the content at the requested version plus the version actually
// reached.
func (a *Agent) materialize(ctx context.Context, version int) (any, int, error) {
	sa, err := a.srv.conf.DB.GetSnapshot(ctx, storage.GetSnapshotParams{
		DocInfo:   a.docInfo,
		Version:   version,
		ToVersion: version,
	})
	if err != nil {
		return nil, 0, err
	}
	content := sa.Snapshot.Content
	if content == nil {
		content = a.runner.Create()
	}
	reached := sa.Snapshot.Version
	if err := a.runner.DecodeOps(sa.Ops); err != nil {
		return nil, 0, err
	}
	for i := range sa.Ops {
		content, _, err = a.runner.ApplyAndInvert(content, sa.Ops[i].Content, false)
		if err != nil {
			return nil, 0, xerrors.Errorf("failed to apply op %d: %v", sa.Ops[i].Version, err)
		}
		reached = sa.Ops[i].Version
	}
	return content, reached, nil
}

func (a *Agent) handleDeleteDoc(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if err := a.srv.conf.DB.DeleteDoc(ctx, a.docInfo); err != nil {
		return nil, err
	}
	a.srv.clearPresences(a.channel())
	a.srv.publish(a, a.channel(), &types.Message{Type: types.MessageDeleteDoc})
	return &types.Message{Type: types.MessageDeleteDoc}, nil
}

// handleRollback rewinds the document to the requested committed version: a
// rollback-flagged snapshot is stored there and all later ops discarded.
// Every subscriber, the requester included, gets a rollback push and must
// fetch again.
func (a *Agent) handleRollback(ctx context.Context, msg *types.Message) (*types.Message, error) {
	version := msg.Version
	if version <= 0 {
		return nil, xerrors.Errorf("invalid rollback version %d", version)
	}
	content, reached, err := a.materialize(ctx, version)
	if err != nil {
		return nil, err
	}
	if reached != version {
		return nil, xerrors.Errorf("rollback version %d exceeds committed history", version)
	}
	err = a.srv.conf.DB.SaveSnapshot(ctx, storage.SaveSnapshotParams{
		DocInfo:  a.docInfo,
		Snapshot: types.Snapshot{Version: version, Rollback: true, Content: content},
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info().Int("version", version).Msg("Rolled document back")
	// The requester gets the rollback push like every other subscriber, so
	// its response has to go out ahead of the broadcast.
	a.send(&types.Message{Type: types.MessageRollback, Seq: msg.Seq})
	a.srv.publish(nil, a.channel(), &types.Message{Type: types.MessageRollback})
	return nil, nil
}

func (a *Agent) handlePresence(msg *types.Message) {
	clientID := msg.ClientID
	if clientID == "" {
		clientID = a.conf.ClientID
	}
	p := types.Presence{}
	if msg.Presence != nil {
		p = *msg.Presence
	}
	a.srv.setPresence(a.channel(), clientID, p, a)
}
