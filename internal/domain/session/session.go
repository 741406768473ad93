// Package session keeps the per-dialogue state: one cart, the customer name
// and the last placed order.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/cart"
	"github.com/xenking/quickcart/internal/failure"
)

// DefaultIdleTTL is how long an untouched session survives.
const DefaultIdleTTL = 30 * time.Minute

// State is the mutable part of a session.
type State struct {
	Cart         *cart.Cart
	CustomerName string
	LastOrderID  string
}

// Session is a single dialogue session. All access to its State goes
// through Do, which serializes operations on the same session.
type Session struct {
	id string

	mu    sync.Mutex
	state State

	// lastSeen is guarded by the registry mutex.
	lastSeen time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Do runs fn with exclusive access to the session state.
func (s *Session) Do(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

// Registry owns all live sessions.
type Registry struct {
	cat cart.Catalog
	ttl time.Duration
	now func() time.Time
	lg  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTTL sets the idle expiry. Non-positive values disable expiry.
func WithIdleTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(lg *zap.Logger) Option {
	return func(r *Registry) { r.lg = lg }
}

// NewRegistry creates a Registry whose carts resolve items through cat.
func NewRegistry(cat cart.Catalog, opts ...Option) *Registry {
	r := &Registry{
		cat:      cat,
		ttl:      DefaultIdleTTL,
		now:      time.Now,
		lg:       zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the session with the given id, creating it on first use.
func (r *Registry) Get(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, failure.New(failure.InvalidInput, "session.get", "session_id", "session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &Session{id: id, state: State{Cart: cart.New(r.cat)}}
		r.sessions[id] = s
		r.lg.Debug("Session started", zap.String("session_id", id))
	}
	s.lastSeen = r.now()
	return s, nil
}

// Lookup returns an existing session without creating or touching it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	return s, ok
}

// End destroys the session and reports whether it existed.
func (r *Registry) End(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.lg.Debug("Session ended", zap.String("session_id", id))
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict removes sessions idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Evict() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				r.lg.Info("Evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}
