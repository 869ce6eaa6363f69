// Package session owns participant lifecycle: admission, per-session
// rate limiting, disconnect grace, and idle timeout. The registry is the
// sole mutator of its sessions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
)

// Config holds admission and rate-limit settings.
type Config struct {
	IdleTimeout time.Duration // no input for this long closes the session
	GracePeriod time.Duration // disconnect grace before removal
	RateHz      float64       // sustained input rate per session
	Burst       int           // bucket capacity
}

// Session is one connected participant. The token bucket survives a
// reconnect within the grace window, so dropping and re-dialing is not a
// way around the rate limit.
type Session struct {
	ID          string
	ConnectedAt time.Time
	LastInputAt time.Time
	Location    *engine.Location

	limiter        *rate.Limiter
	disconnectedAt time.Time // zero while connected
}

// Registry tracks active participants and emits JOIN/LEAVE bus events.
type Registry struct {
	cfg   Config
	clock clock.Clock
	bus   *bus.Bus
	log   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, clk clock.Clock, b *bus.Bus, log *zap.SugaredLogger) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clk,
		bus:      b,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Admit creates a session, or revives one reconnecting within the grace
// window (restoring its bucket state). An empty id asks the registry to
// mint one. Returns the session id and whether it was newly created.
func (r *Registry) Admit(id string) (string, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	if id != "" {
		if s, ok := r.sessions[id]; ok {
			// Reconnect: clear the grace timer, keep the bucket.
			s.disconnectedAt = time.Time{}
			r.mu.Unlock()
			if r.log != nil {
				r.log.Infow("session_reconnected", "session", id)
			}
			return id, false
		}
	} else {
		id = uuid.NewString()
	}

	r.sessions[id] = &Session{
		ID:          id,
		ConnectedAt: now,
		LastInputAt: now,
		limiter:     rate.NewLimiter(rate.Limit(r.cfg.RateHz), r.cfg.Burst),
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if r.log != nil {
		r.log.Infow("session_joined", "session", id, "active", count)
	}
	r.bus.Publish(bus.Event{Kind: bus.ParticipantJoin, SessionID: id})
	return id, true
}

// SetLocation records the participant's venue position (audience:hello).
func (r *Registry) SetLocation(id string, loc engine.Location) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Location = &engine.Location{X: loc.X, Y: loc.Y}
	return true
}

// Location returns the participant's position, if known.
func (r *Registry) Location(id string) *engine.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Location == nil {
		return nil
	}
	cp := *s.Location
	return &cp
}

// Allow consumes one token from the session's bucket and stamps the
// input time. A false return is a quota rejection; the session stays
// open.
func (r *Registry) Allow(id string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.LastInputAt = now
	limiter := s.limiter
	r.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// Known reports whether the session exists (connected or in grace).
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Disconnect starts the grace period. The session and its bucket stay
// around for GracePeriod to absorb transient drops.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.disconnectedAt.IsZero() {
		s.disconnectedAt = r.clock.Now()
	}
}

// Count returns the number of sessions not currently in grace.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.disconnectedAt.IsZero() {
			n++
		}
	}
	return n
}

// IDs returns the ids of connected sessions.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.disconnectedAt.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// Sweep removes sessions whose grace period lapsed and sessions idle
// past the timeout, emitting LEAVE for each.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	var left []string

	r.mu.Lock()
	for id, s := range r.sessions {
		if !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) >= r.cfg.GracePeriod {
			delete(r.sessions, id)
			left = append(left, id)
			continue
		}
		if now.Sub(s.LastInputAt) >= r.cfg.IdleTimeout {
			delete(r.sessions, id)
			left = append(left, id)
		}
	}
	r.mu.Unlock()

	for _, id := range left {
		if r.log != nil {
			r.log.Infow("session_left", "session", id)
		}
		r.bus.Publish(bus.Event{Kind: bus.ParticipantLeave, SessionID: id})
	}
}

// Run sweeps periodically until the context is cancelled. One sweep per
// second is plenty: grace and idle are measured in seconds.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
