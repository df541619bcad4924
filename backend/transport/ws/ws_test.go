package ws_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"otsync/backend/client"
	"otsync/backend/ot/text"
	"otsync/backend/server"
	"otsync/backend/storage"
	"otsync/backend/transport/ws"
)

func dialDoc(t *testing.T, url, clientID string) *client.Doc {
	stream, err := ws.Dial(url + "/doc/notes/doc1?clientId=" + clientID)
	require.NoError(t, err)
	doc, err := client.NewDoc(client.DocConfig{
		ClientID:  clientID,
		Stream:    stream,
		Type:      text.New(),
		SendDelay: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	require.NoError(t, doc.Fetch())
	return doc
}

// Test_Websocket_EndToEnd verifies the full stack over a real websocket:
// JSON-encoded ops and presences survive the wire and two clients converge.
func Test_Websocket_EndToEnd(t *testing.T) {
	srv, err := server.NewServer(server.ServerConfig{DB: storage.NewMemoryDB()})
	require.NoError(t, err)
	defer srv.Close()

	httpSrv := httptest.NewServer(ws.NewHandler(srv, text.New(), zerolog.Nop()))
	defer httpSrv.Close()
	url := strings.Replace(httpSrv.URL, "http", "ws", 1)

	c1 := dialDoc(t, url, "c1")
	c2 := dialDoc(t, url, "c2")

	require.NoError(t, c1.SubmitOp(text.Op{Pos: 0, Insert: "hello"}))
	require.Eventually(t, func() bool {
		return c2.Data() == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c2.SubmitOp(text.Op{Pos: 5, Insert: " world"}))
	require.Eventually(t, func() bool {
		return c1.Data() == "hello world" && c2.Data() == "hello world"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c1.SubmitPresence(text.Cursor{Pos: 5}))
	require.Eventually(t, func() bool {
		return c2.RemotePresences()["c1"] == text.Cursor{Pos: 5}
	}, 2*time.Second, 5*time.Millisecond)
}
