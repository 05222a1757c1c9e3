package app

import (
	"context"
	"sync"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks the open hub connections of every user. A user may be
// connected from several devices at once.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]map[string]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.UserID]map[string]*connEntry)}
}

func (r *Registry) Bind(user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[user] == nil {
		r.conns[user] = make(map[string]*connEntry)
	}
	r.conns[user][conn.ID()] = &connEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("conn", conn.ID()).Msg("bound connection")
}

// Unbind forgets conn. It reports false if conn was not bound.
func (r *Registry) Unbind(user domain.UserID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.conns[user]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.conns, user)
	}
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("conn", connID).Msg("unbind connection")
	return true
}

// ConnectionsOf returns the open connections of user.
func (r *Registry) ConnectionsOf(user domain.UserID) []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SignalConnection, 0, len(r.conns[user]))
	for _, e := range r.conns[user] {
		out = append(out, e.Conn)
	}
	return out
}

func (r *Registry) Online(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[user]) > 0
}

// Cancel stops the pumps of one connection. The connection unbinds itself
// when its read pump exits.
func (r *Registry) Cancel(user domain.UserID, connID string) bool {
	r.mu.RLock()
	e, ok := r.conns[user][connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("user", string(user)).Str("conn", connID).Msg("canceled connection")
	return true
}

type RegistryStats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RegistryStats{Users: len(r.conns)}
	for _, conns := range r.conns {
		s.Connections += len(conns)
	}
	return s
}
