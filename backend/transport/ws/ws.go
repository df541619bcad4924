// Package ws implements the websocket transport: a Stream over a gorilla
// websocket connection plus the server-side HTTP endpoint.
package ws

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"otsync/backend/ot"
	"otsync/backend/server"
	"otsync/backend/transport"
	"otsync/backend/types"
)

// Stream adapts a websocket connection to transport.Stream. Messages are
// JSON-encoded, one websocket frame per message.
//
// - implements transport.Stream
type Stream struct {
	conn *websocket.Conn
	// gorilla allows a single concurrent writer.
	writeMu sync.Mutex
}

// NewStream wraps an established websocket connection.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// Dial connects to a document endpoint and returns the client stream.
func Dial(url string) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %s: %v", url, err)
	}
	return NewStream(conn), nil
}

// Send implements transport.Stream.
func (s *Stream) Send(msg *types.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return xerrors.Errorf("failed to write message: %v", err)
	}
	return nil
}

// Recv implements transport.Stream.
func (s *Stream) Recv() (*types.Message, error) {
	msg := &types.Message{}
	if err := s.conn.ReadJSON(msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, transport.ErrClosed
		}
		return nil, xerrors.Errorf("failed to read message: %v", err)
	}
	return msg, nil
}

// Close implements transport.Stream.
func (s *Stream) Close() error {
	return s.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The endpoint is same-origin agnostic; deployments put auth in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHandler returns the HTTP handler exposing documents of the given type
// at /doc/{collection}/{docID}. Each accepted websocket becomes one agent.
// Clients may pass their id as the clientId query parameter; absent that,
// the server assigns one.
func NewHandler(srv *server.Server, otType ot.Type, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/doc/{collection}/{docID}", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to upgrade websocket")
			return
		}
		clientID := req.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = xid.New().String()
		}
		_, err = srv.HandleStream(server.AgentConfig{
			Stream:     NewStream(conn),
			Collection: chi.URLParam(req, "collection"),
			DocID:      chi.URLParam(req, "docID"),
			ClientID:   clientID,
			Type:       otType,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open agent")
			conn.Close()
		}
	})
	return r
}
