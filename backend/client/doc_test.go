package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"otsync/backend/client"
	"otsync/backend/ot/text"
	"otsync/backend/server"
	"otsync/backend/storage"
	"otsync/backend/transport"
	"otsync/backend/transport/channel"
	"otsync/backend/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestServer(t *testing.T) *server.Server {
	srv, err := server.NewServer(server.ServerConfig{DB: storage.NewMemoryDB(), SaveInterval: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

// newTestDoc connects a fetched client document to the server. SendDelay is
// disabled so ops flush immediately.
func newTestDoc(t *testing.T, srv *server.Server, clientID string) *client.Doc {
	return newTestDocDelay(t, srv, clientID, -1)
}

func newTestDocDelay(t *testing.T, srv *server.Server, clientID string, delay time.Duration) *client.Doc {
	clientEnd, serverEnd := channel.NewPipe()
	_, err := srv.HandleStream(server.AgentConfig{
		Stream:     serverEnd,
		Collection: "notes",
		DocID:      "doc1",
		ClientID:   clientID,
		Type:       text.New(),
	})
	require.NoError(t, err)
	doc, err := client.NewDoc(client.DocConfig{
		ClientID:  clientID,
		Stream:    clientEnd,
		Type:      text.New(),
		SendDelay: delay,
	})
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	require.NoError(t, doc.Fetch())
	return doc
}

func waitData(t *testing.T, doc *client.Doc, want string) {
	require.Eventually(t, func() bool {
		return doc.Data() == want
	}, waitFor, tick, "client %s data %q, want %q", doc.ClientID(), doc.Data(), want)
}

// Test_Doc_SubmitAndAck verifies the optimistic apply, the ack and the
// surrounding events for a single client.
func Test_Doc_SubmitAndAck(t *testing.T) {
	srv := newTestServer(t)
	doc := newTestDoc(t, srv, "c1")

	var opEvents []client.OpEvent
	doc.OnOp(func(e client.OpEvent) { opEvents = append(opEvents, e) })
	noPending := false
	doc.OnNoPending(func(client.NoPendingEvent) { noPending = true })

	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "hi"}))
	require.Equal(t, "hi", doc.Data())

	doc.WaitNoPending()
	require.Equal(t, 2, doc.Version())
	require.True(t, noPending)
	require.Len(t, opEvents, 1)
	require.True(t, opEvents[0].Source)

	other := newTestDoc(t, srv, "c2")
	require.Equal(t, "hi", other.Data())
}

// Test_Doc_RemoteOpFollows verifies another client's committed op reaches a
// connected document.
func Test_Doc_RemoteOpFollows(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "a"}))
	waitData(t, c2, "a")
	require.Equal(t, 2, c2.Version())
}

// Test_Doc_ConcurrentEditsConverge verifies two clients editing the same
// position concurrently end up with identical content.
func Test_Doc_ConcurrentEditsConverge(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "A"}))
	require.NoError(t, c2.SubmitOp(text.Op{Pos: 0, Insert: "B"}))

	require.Eventually(t, func() bool {
		d1, d2 := c1.Data(), c2.Data()
		s, ok := d1.(string)
		return ok && d1 == d2 && len(s) == 2
	}, waitFor, tick, "c1=%v c2=%v", c1.Data(), c2.Data())
}

// Test_Doc_ComposesTypingRun verifies a typing run within the send delay
// travels as a single committed op.
func Test_Doc_ComposesTypingRun(t *testing.T) {
	srv := newTestServer(t)
	doc := newTestDocDelay(t, srv, "c1", 150*time.Millisecond)

	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "a"}))
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 1, Insert: "b"}))
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 2, Insert: "c"}))
	require.Equal(t, "abc", doc.Data())
	doc.WaitNoPending()

	// One committed op: a fresh fetch expects exactly version 1 on the log.
	other := newTestDoc(t, srv, "c2")
	require.Equal(t, "abc", other.Data())
	require.Equal(t, 2, other.Version())
}

// Test_Doc_UndoRedo verifies undo and redo round trips including redo
// invalidation on a new submit.
func Test_Doc_UndoRedo(t *testing.T) {
	srv := newTestServer(t)
	doc := newTestDoc(t, srv, "c1")

	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "hello"}))
	doc.WaitNoPending()
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "say "}))
	doc.WaitNoPending()
	require.Equal(t, "say hello", doc.Data())
	require.True(t, doc.CanUndo())
	require.False(t, doc.CanRedo())

	require.NoError(t, doc.Undo())
	require.Equal(t, "hello", doc.Data())
	doc.WaitNoPending()

	require.NoError(t, doc.Undo())
	require.Equal(t, "", doc.Data())
	require.False(t, doc.CanUndo())
	require.True(t, doc.CanRedo())
	doc.WaitNoPending()

	require.NoError(t, doc.Redo())
	require.Equal(t, "hello", doc.Data())
	doc.WaitNoPending()

	// A fresh submit cuts the redo branch off.
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 5, Insert: "!"}))
	require.False(t, doc.CanRedo())
	doc.WaitNoPending()
	require.Equal(t, "hello!", doc.Data())
}

// Test_Doc_UndoAfterRemoteOps verifies an undo only reverts this client's
// own op even when other clients committed afterwards.
func Test_Doc_UndoAfterRemoteOps(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "hello"}))
	waitData(t, c2, "hello")
	require.NoError(t, c2.SubmitOp(text.Op{Pos: 5, Insert: "!"}))
	waitData(t, c1, "hello!")

	require.NoError(t, c1.Undo())
	require.Equal(t, "!", c1.Data())
	waitData(t, c2, "!")
}

// Test_Doc_UndoIsolatedFromPrependingRemote verifies the undone range
// follows remote inserts in front of it.
func Test_Doc_UndoIsolatedFromPrependingRemote(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "world"}))
	waitData(t, c2, "world")
	require.NoError(t, c2.SubmitOp(text.Op{Pos: 0, Insert: "hello "}))
	waitData(t, c1, "hello world")

	require.NoError(t, c1.Undo())
	require.Equal(t, "hello ", c1.Data())
	waitData(t, c2, "hello ")
}

// Test_Doc_Presence verifies presence values reach other clients and track
// subsequent edits.
func Test_Doc_Presence(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "ab"}))
	waitData(t, c2, "ab")

	require.NoError(t, c2.SubmitPresence(text.Cursor{Pos: 1}))
	require.Eventually(t, func() bool {
		return c1.RemotePresences()["c2"] == text.Cursor{Pos: 1}
	}, waitFor, tick)

	// A local insert in front of the remote caret pushes it forward.
	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "X"}))
	require.Eventually(t, func() bool {
		return c1.RemotePresences()["c2"] == text.Cursor{Pos: 2}
	}, waitFor, tick)
}

// Test_Doc_PresenceOffline verifies a disconnecting client disappears from
// the remote presences.
func Test_Doc_PresenceOffline(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c2.SubmitPresence(text.Cursor{Pos: 0}))
	require.Eventually(t, func() bool {
		_, ok := c1.RemotePresences()["c2"]
		return ok
	}, waitFor, tick)

	var changed map[string]any
	c1.OnRemotePresence(func(e client.RemotePresenceEvent) { changed = e.Changed })

	require.NoError(t, c2.Close())
	require.Eventually(t, func() bool {
		_, ok := c1.RemotePresences()["c2"]
		return !ok
	}, waitFor, tick)
	require.Contains(t, changed, "c2")
	require.Nil(t, changed["c2"])
}

// Test_Doc_PresenceOnFetch verifies existing presences ride on the snapshot
// response so a joining client renders cursors immediately.
func Test_Doc_PresenceOnFetch(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "ab"}))
	c1.WaitNoPending()
	require.NoError(t, c1.SubmitPresence(text.Cursor{Pos: 2}))
	deadline := time.Now().Add(waitFor)
	for {
		c2 := newTestDoc(t, srv, "late")
		got := c2.RemotePresences()["c1"]
		c2.Close()
		if got == (text.Cursor{Pos: 2}) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("late client never saw the cursor, got %v", got)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Test_Doc_DeleteDoc verifies deletion is terminal for every client.
func Test_Doc_DeleteDoc(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	deleted := make(chan struct{}, 1)
	c2.OnRemoteDeleteDoc(func(client.RemoteDeleteDocEvent) { deleted <- struct{}{} })

	require.NoError(t, c1.Delete())
	select {
	case <-deleted:
	case <-time.After(waitFor):
		t.Fatal("missed delete notification")
	}

	err := c2.Fetch()
	otErr := &types.OTError{}
	require.ErrorAs(t, err, &otErr)
	require.Equal(t, types.ErrorSubTypeDeleted, otErr.Info.SubType)
}

// Test_Doc_Rollback verifies every client gets the rollback push and a
// fresh fetch lands on the rewound state.
func Test_Doc_Rollback(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	c2 := newTestDoc(t, srv, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "a"}))
	c1.WaitNoPending()
	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "b"}))
	c1.WaitNoPending()
	waitData(t, c2, "ba")

	rolledBack := make(chan struct{}, 2)
	c1.OnRollback(func(client.RollbackEvent) { rolledBack <- struct{}{} })
	c2.OnRollback(func(client.RollbackEvent) { rolledBack <- struct{}{} })

	require.NoError(t, c1.Rollback(1))
	for i := 0; i < 2; i++ {
		select {
		case <-rolledBack:
		case <-time.After(waitFor):
			t.Fatal("missed rollback notification")
		}
	}

	require.NoError(t, c2.Fetch())
	require.Equal(t, "a", c2.Data())
	require.Equal(t, 2, c2.Version())
}

// Test_Doc_SubmitBeforeFetch verifies ops are rejected until the document
// is loaded.
func Test_Doc_SubmitBeforeFetch(t *testing.T) {
	clientEnd, _ := channel.NewPipe()
	doc, err := client.NewDoc(client.DocConfig{
		ClientID: "c1",
		Stream:   clientEnd,
		Type:     text.New(),
	})
	require.NoError(t, err)
	defer doc.Close()

	require.Error(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "a"}))
}

// Test_Doc_ClosedErrors verifies operations on a closed document fail with
// ErrDocClosed.
func Test_Doc_ClosedErrors(t *testing.T) {
	srv := newTestServer(t)
	doc := newTestDoc(t, srv, "c1")
	require.NoError(t, doc.Close())

	require.ErrorIs(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "a"}), client.ErrDocClosed)
	require.ErrorIs(t, doc.Fetch(), client.ErrDocClosed)
	require.ErrorIs(t, doc.SubmitPresence(text.Cursor{}), client.ErrDocClosed)
}

// connectRaw opens an agent on the server and returns the bare client end of
// its stream, for tests that speak the protocol directly.
func connectRaw(t *testing.T, srv *server.Server, clientID string) transport.Stream {
	clientEnd, serverEnd := channel.NewPipe()
	_, err := srv.HandleStream(server.AgentConfig{
		Stream:     serverEnd,
		Collection: "notes",
		DocID:      "doc1",
		ClientID:   clientID,
		Type:       text.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { clientEnd.Close() })
	return clientEnd
}

// Test_Doc_WaitNoPendingReleasedByFetch verifies a waiter blocked behind a
// dead stream is released once a rebind and fetch reset the queue.
func Test_Doc_WaitNoPendingReleasedByFetch(t *testing.T) {
	srv := newTestServer(t)
	clientEnd, serverEnd := channel.NewPipe()
	_, err := srv.HandleStream(server.AgentConfig{
		Stream:     serverEnd,
		Collection: "notes",
		DocID:      "doc1",
		ClientID:   "c1",
		Type:       text.New(),
	})
	require.NoError(t, err)
	doc, err := client.NewDoc(client.DocConfig{
		ClientID:  "c1",
		Stream:    clientEnd,
		Type:      text.New(),
		SendDelay: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	require.NoError(t, doc.Fetch())

	// Kill the transport, then queue an op that can never flush on it.
	clientEnd.Close()
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "x"}))

	released := make(chan struct{})
	go func() {
		doc.WaitNoPending()
		close(released)
	}()
	time.Sleep(50 * time.Millisecond)

	doc.BindStream(connectRaw(t, srv, "c1"))
	require.NoError(t, doc.Fetch())

	select {
	case <-released:
	case <-time.After(waitFor):
		t.Fatal("pending waiter never released by the refetch")
	}

	// The reconnected document is fully usable again.
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "a"}))
	waitData(t, doc, "a")
}

// Test_Doc_PresenceBridgesStaleReport verifies a report against an older
// version is transformed through the committed-op window before exposure.
func Test_Doc_PresenceBridgesStaleReport(t *testing.T) {
	srv := newTestServer(t)
	c1 := newTestDoc(t, srv, "c1")
	peer := connectRaw(t, srv, "peer")

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: s}))
		c1.WaitNoPending()
	}
	require.Equal(t, "cba", c1.Data())
	require.Equal(t, 4, c1.Version())

	// A cursor after "a" as of version 2, two committed inserts behind:
	// both land in front of it, so it surfaces shifted to 3.
	require.NoError(t, peer.Send(&types.Message{
		Type:     types.MessagePresence,
		ClientID: "c2",
		Presence: &types.Presence{Version: 2, Content: text.Cursor{Pos: 1}},
	}))
	require.Eventually(t, func() bool {
		return c1.RemotePresences()["c2"] == text.Cursor{Pos: 3}
	}, waitFor, tick)
}

// Test_Doc_PresenceDropsBeyondWindow verifies a report older than the
// committed-op window is withheld without error.
func Test_Doc_PresenceDropsBeyondWindow(t *testing.T) {
	srv := newTestServer(t)
	clientEnd := connectRaw(t, srv, "c1")
	doc, err := client.NewDoc(client.DocConfig{
		ClientID:            "c1",
		Stream:              clientEnd,
		Type:                text.New(),
		SendDelay:           -1,
		CacheServerOpsLimit: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	require.NoError(t, doc.Fetch())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: s}))
		doc.WaitNoPending()
	}

	// The window only retains the newest op, so a report needing the op at
	// version 2 cannot be bridged anymore. The current-version report sent
	// behind it on the same stream serves as the ordering barrier.
	peer := connectRaw(t, srv, "peer")
	require.NoError(t, peer.Send(&types.Message{
		Type:     types.MessagePresence,
		ClientID: "c2",
		Presence: &types.Presence{Version: 2, Content: text.Cursor{Pos: 1}},
	}))
	require.NoError(t, peer.Send(&types.Message{
		Type:     types.MessagePresence,
		ClientID: "c3",
		Presence: &types.Presence{Version: 4, Content: text.Cursor{Pos: 0}},
	}))

	require.Eventually(t, func() bool {
		return doc.RemotePresences()["c3"] == text.Cursor{Pos: 0}
	}, waitFor, tick)
	require.Nil(t, doc.RemotePresences()["c2"])
}

// serveScriptedCommit answers one fetch and one commit, reporting the
// committed op interleaved between two foreign ops.
func serveScriptedCommit(s transport.Stream) error {
	msg, err := s.Recv()
	if err != nil {
		return err
	}
	if msg.Type != types.MessageGetSnapshot {
		return xerrors.Errorf("unexpected request %s", msg.Type)
	}
	err = s.Send(&types.Message{
		Type:           types.MessageGetSnapshot,
		Seq:            msg.Seq,
		SnapshotAndOps: &types.SnapshotAndOps{Snapshot: types.Snapshot{Version: 0, Content: ""}},
	})
	if err != nil {
		return err
	}

	msg, err = s.Recv()
	if err != nil {
		return err
	}
	if msg.Type != types.MessageCommitOp || msg.Op == nil {
		return xerrors.Errorf("unexpected request %s", msg.Type)
	}
	own := *msg.Op
	own.Version = 2
	return s.Send(&types.Message{
		Type: types.MessageCommitOp,
		Seq:  msg.Seq,
		Ops: []types.Op{
			{ID: "f1", ClientID: "peer", Version: 1, Content: text.Op{Pos: 0, Insert: "x"}},
			own,
			{ID: "f2", ClientID: "peer", Version: 3, Content: text.Op{Pos: 2, Insert: "z"}},
		},
	})
}

// Test_Doc_RebaseAroundInterleavedRun verifies the ack path when the server
// reports foreign ops committed both before and after this client's own op.
func Test_Doc_RebaseAroundInterleavedRun(t *testing.T) {
	clientEnd, serverEnd := channel.NewPipe()
	doc, err := client.NewDoc(client.DocConfig{
		ClientID:  "c1",
		Stream:    clientEnd,
		Type:      text.New(),
		SendDelay: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })

	served := make(chan error, 1)
	go func() { served <- serveScriptedCommit(serverEnd) }()

	require.NoError(t, doc.Fetch())
	require.NoError(t, doc.SubmitOp(text.Op{Pos: 0, Insert: "m"}))
	doc.WaitNoPending()
	require.NoError(t, <-served)

	// Unwound, replayed as x + m + z, version advanced past the whole run.
	require.Equal(t, "mxz", doc.Data())
	require.Equal(t, 4, doc.Version())
}
