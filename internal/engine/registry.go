package engine

import (
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

// task is one context handed to the worker pool, stamped with the
// session generation it was dequeued under.
type task struct {
	mc        *domain.Context
	sessionID string
	gen       uint64
}

// sessionState is the queue and in-flight accounting for one session.
// The gate bounds concurrent processing within the session; inflight
// mirrors the number of held gate slots so the registry can tell an
// idle session from a quiet one.
type sessionState struct {
	queue      []*domain.Context
	gate       *semaphore.Weighted
	inflight   int
	generation uint64
}

// registry owns every live session. A session exists from the first
// enqueue until its queue is empty and nothing is in flight.
type registry struct {
	mu       sync.Mutex
	limit    int64
	sessions map[string]*sessionState
	log      *logging.Logger
}

func newRegistry(concurrencyInSession int, log *logging.Logger) *registry {
	return &registry{
		limit:    int64(concurrencyInSession),
		sessions: make(map[string]*sessionState),
		log:      log,
	}
}

// enqueue appends a context to its session queue, creating the session
// if needed. Text starting with "#" jumps to the front of the queue.
func (r *registry) enqueue(mc *domain.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[mc.SessionID]
	if s == nil {
		s = &sessionState{gate: semaphore.NewWeighted(r.limit)}
		r.sessions[mc.SessionID] = s
	}
	if mc.Type == domain.ContextText && strings.HasPrefix(mc.Content, "#") {
		s.queue = append([]*domain.Context{mc}, s.queue...)
		return
	}
	s.queue = append(s.queue, mc)
}

// sessionIDs snapshots the live session keys.
func (r *registry) sessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// next tries to dequeue one context for the session, acquiring a gate
// slot. When the queue is drained and nothing is in flight, the session
// is removed. Returns false when nothing can be dispatched right now.
func (r *registry) next(sessionID string) (task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionID]
	if s == nil {
		return task{}, false
	}
	if !s.gate.TryAcquire(1) {
		return task{}, false
	}
	if len(s.queue) > 0 {
		mc := s.queue[0]
		s.queue = s.queue[1:]
		s.inflight++
		return task{mc: mc, sessionID: sessionID, gen: s.generation}, true
	}
	s.gate.Release(1)
	if s.inflight == 0 {
		delete(r.sessions, sessionID)
	} else if s.inflight < 0 {
		r.log.Error().Str("session", sessionID).Int("inflight", s.inflight).
			Msg("session accounting went negative, scheduler bug")
	}
	return task{}, false
}

// complete returns a gate slot after a task finishes.
func (r *registry) complete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionID]
	if s == nil {
		r.log.Error().Str("session", sessionID).Msg("completion for a removed session")
		return
	}
	s.inflight--
	s.gate.Release(1)
}

// cancelled reports whether a task was dequeued under a generation that
// has since been cancelled.
func (r *registry) cancelled(sessionID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	return s != nil && s.generation != gen
}

// cancel drops all queued contexts for a session and bumps the
// generation so already-dequeued tasks are skipped at pickup. Returns
// how many queued contexts were dropped.
func (r *registry) cancel(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionID]
	if s == nil {
		return 0
	}
	s.generation++
	n := len(s.queue)
	s.queue = nil
	return n
}

// queueLen reports the queue depth for a session.
func (r *registry) queueLen(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	if s == nil {
		return 0
	}
	return len(s.queue)
}
