// Package server implements the authoritative side: one agent per client
// stream, an optimistic commit loop over the op log, and pubsub fan-out of
// committed ops and presence updates.
package server

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"otsync/backend/pubsub"
	"otsync/backend/storage"
	"otsync/backend/types"
)

const defaultSaveInterval = 50

// ServerConfig configures a server.
type ServerConfig struct {
	// DB is the op log and snapshot store.
	DB storage.DB

	// PubSub fans committed ops and presence updates out to agents,
	// possibly across processes. Defaults to the in-process one.
	PubSub pubsub.PubSub

	// SaveInterval is the checkpoint cadence: a snapshot is stored whenever
	// a committed version is a multiple of it. 0 means the default (50),
	// negative disables checkpointing.
	SaveInterval int

	Logger zerolog.Logger
}

// Server owns the agents of one process and the per-document presence
// registry.
type Server struct {
	conf   ServerConfig
	logger zerolog.Logger
	agents mapset.Set[*Agent]

	mu sync.Mutex
	// presences maps doc channel -> client id -> last reported presence.
	presences map[string]map[string]types.Presence
}

// broadcast is the pubsub payload: the push message plus its source agent,
// which skips its own publications.
type broadcast struct {
	from *Agent
	msg  *types.Message
}

// NewServer creates a server over the given store.
func NewServer(conf ServerConfig) (*Server, error) {
	if conf.DB == nil {
		return nil, xerrors.New("server config misses the db")
	}
	if conf.PubSub == nil {
		conf.PubSub = pubsub.NewMemoryPubSub()
	}
	if conf.SaveInterval == 0 {
		conf.SaveInterval = defaultSaveInterval
	}
	return &Server{
		conf:      conf,
		logger:    conf.Logger,
		agents:    mapset.NewSet[*Agent](),
		presences: make(map[string]map[string]types.Presence),
	}, nil
}

// HandleStream creates and starts the agent serving one client stream. The
// agent runs until the stream fails or the server deletes it.
func (s *Server) HandleStream(conf AgentConfig) (*Agent, error) {
	agent, err := newAgent(s, conf)
	if err != nil {
		return nil, xerrors.Errorf("failed to create agent: %v", err)
	}
	s.agents.Add(agent)
	agent.subscribe()
	go func() {
		agent.run()
		s.DeleteAgent(agent)
	}()
	return agent, nil
}

// DeleteAgent stops an agent, closes its stream and reports its client
// offline to the document's other subscribers.
func (s *Server) DeleteAgent(a *Agent) {
	if !s.agents.Contains(a) {
		return
	}
	s.agents.Remove(a)
	a.clean()
	s.setPresence(a.channel(), a.conf.ClientID, types.Presence{}, a)
}

// NumAgents returns the number of live agents.
func (s *Server) NumAgents() int {
	return s.agents.Cardinality()
}

// Close stops all agents.
func (s *Server) Close() {
	for _, a := range s.agents.ToSlice() {
		s.DeleteAgent(a)
	}
}

func (s *Server) publish(from *Agent, channel string, msg *types.Message) {
	s.conf.PubSub.Publish(channel, &broadcast{from: from, msg: msg})
}

// setPresence updates the registry and fans the report out. A presence with
// nil content clears the entry and reports the client offline.
func (s *Server) setPresence(channel, clientID string, p types.Presence, from *Agent) {
	s.mu.Lock()
	if p.Content == nil {
		m := s.presences[channel]
		if _, ok := m[clientID]; !ok {
			s.mu.Unlock()
			return
		}
		delete(m, clientID)
		if len(m) == 0 {
			delete(s.presences, channel)
		}
	} else {
		m := s.presences[channel]
		if m == nil {
			m = make(map[string]types.Presence)
			s.presences[channel] = m
		}
		m[clientID] = p
	}
	s.mu.Unlock()
	s.publish(from, channel, &types.Message{
		Type:     types.MessagePresence,
		ClientID: clientID,
		Presence: &p,
	})
}

// presencesFor returns a copy of the registry for one document channel.
func (s *Server) presencesFor(channel string) map[string]types.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.presences[channel]
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]types.Presence, len(m))
	for clientID, p := range m {
		out[clientID] = p
	}
	return out
}

// clearPresences drops the registry of one document channel, e.g. after a
// deletion.
func (s *Server) clearPresences(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presences, channel)
}
