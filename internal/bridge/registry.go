package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cs16web/relay/internal/metrics"
)

// reaperInterval is how often idle sessions are checked.
const reaperInterval = 1 * time.Second

// Registry tracks live sessions and reaps the idle ones.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:      logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Add registers a session and hooks its close to remove it again.
func (r *Registry) Add(s *Session) {
	s.OnClose(func() { r.remove(s.ID()) })

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.metrics.Inc(metrics.SessionsOpened)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

// RunReaper closes sessions that exceed their idle timeout, checking every
// second until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(time.Now())
		}
	}
}

func (r *Registry) reapOnce(now time.Time) {
	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.IdleFor(now) > s.IdleTimeout() {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.log.Info("closing idle session", "session", s.ID(), "idle", s.IdleFor(now).Round(time.Second))
		r.metrics.Inc(metrics.SessionsIdleClosed)
		s.Close()
	}
}
