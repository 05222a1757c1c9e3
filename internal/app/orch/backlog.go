package orch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Backlog keeps frames for offline receivers. Users are evicted least
// recently used first, and a user's frames expire ttl after the last push.
type Backlog struct {
	mu      sync.Mutex
	perUser int
	cache   *expirable.LRU[domain.UserID, []core.Frame]
	// taking mutes the eviction metric while Take removes an entry.
	taking atomic.Bool
}

func NewBacklog(users, perUser int, ttl time.Duration) *Backlog {
	if users <= 0 {
		users = 1024
	}
	if perUser <= 0 {
		perUser = 64
	}
	b := &Backlog{perUser: perUser}
	b.cache = expirable.NewLRU[domain.UserID, []core.Frame](users, func(_ domain.UserID, frames []core.Frame) {
		if !b.taking.Load() {
			metrics.HubBacklogTotal.WithLabelValues("evicted").Add(float64(len(frames)))
		}
	}, ttl)
	return b
}

// Push appends f, dropping the oldest frame once the user is at capacity.
func (b *Backlog) Push(user domain.UserID, f core.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames, _ := b.cache.Peek(user)
	if len(frames) >= b.perUser {
		frames = frames[1:]
		metrics.HubBacklogTotal.WithLabelValues("dropped").Inc()
	}
	frames = append(frames, f)
	b.cache.Add(user, frames)
	metrics.HubBacklogTotal.WithLabelValues("stored").Inc()
}

// Prepend puts frames back ahead of anything queued since.
func (b *Backlog) Prepend(user domain.UserID, frames []core.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest, _ := b.cache.Peek(user)
	merged := append(append([]core.Frame(nil), frames...), rest...)
	if len(merged) > b.perUser {
		merged = merged[len(merged)-b.perUser:]
	}
	b.cache.Add(user, merged)
}

// Take removes and returns every frame queued for user, oldest first.
func (b *Backlog) Take(user domain.UserID) []core.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames, ok := b.cache.Peek(user)
	if !ok {
		return nil
	}
	b.taking.Store(true)
	b.cache.Remove(user)
	b.taking.Store(false)
	return frames
}

func (b *Backlog) Len(user domain.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames, _ := b.cache.Peek(user)
	return len(frames)
}
