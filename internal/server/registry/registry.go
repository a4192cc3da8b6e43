// Package registry holds the in-memory matchmaking state: stable keys mapped
// to the ephemeral peer address currently registered under them. The registry
// lives exactly as long as the server process; nothing is persisted.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

type entry struct {
	peer     string
	owner    string
	lastSeen time.Time
}

// Registry maps user ids and project ids to peer addresses. Registration is
// last-writer-wins with no ownership check. Every entry is tagged with the
// owning control connection so DropOwner can clean up on disconnect, and
// stamped with a last-seen time so the janitor can expire silent hosts.
type Registry struct {
	log logging.Logger
	clk clock.Clock
	ttl time.Duration

	mu       sync.RWMutex
	hosts    map[string]entry
	previews map[string]entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clk = clk }
}

// WithTTL sets how long an entry survives without a heartbeat or
// re-registration. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

func New(log logging.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	r := &Registry{
		log:      log,
		clk:      clock.New(),
		hosts:    make(map[string]entry),
		previews: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHost stores the peer address for a user id, silently overwriting
// any earlier registration for the same id.
func (r *Registry) RegisterHost(userID, peer, owner string) {
	now := r.clk.Now()
	r.mu.Lock()
	r.hosts[userID] = entry{peer: peer, owner: owner, lastSeen: now}
	r.mu.Unlock()

	r.log.Info(context.Background(), "host registered", "user_id", userID, "peer", peer)
}

// FindHost resolves a user id to the currently registered peer address.
func (r *Registry) FindHost(userID string) (string, error) {
	r.mu.RLock()
	e, ok := r.hosts[userID]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: no host for user", common.ErrNotFound)
	}
	return e.peer, nil
}

// RegisterPreview stores the peer address for a public project id. A second
// host using the same id silently takes over.
func (r *Registry) RegisterPreview(projectID, peer, owner string) error {
	if err := protocol.ValidateProjectID(projectID); err != nil {
		return err
	}

	now := r.clk.Now()
	r.mu.Lock()
	r.previews[projectID] = entry{peer: peer, owner: owner, lastSeen: now}
	r.mu.Unlock()

	r.log.Info(context.Background(), "web preview registered", "project_id", projectID, "peer", peer)
	return nil
}

// FindPreview resolves a project id to the currently registered peer address.
func (r *Registry) FindPreview(projectID string) (string, error) {
	r.mu.RLock()
	e, ok := r.previews[projectID]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: project preview is not online", common.ErrNotFound)
	}
	return e.peer, nil
}

// Touch refreshes the liveness of every entry registered by owner.
func (r *Registry) Touch(owner string) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.hosts {
		if e.owner == owner {
			e.lastSeen = now
			r.hosts[k] = e
		}
	}
	for k, e := range r.previews {
		if e.owner == owner {
			e.lastSeen = now
			r.previews[k] = e
		}
	}
}

// DropOwner removes every entry registered by a control connection and
// reports how many were dropped. Called by the hub when a socket goes away.
func (r *Registry) DropOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for k, e := range r.hosts {
		if e.owner == owner {
			delete(r.hosts, k)
			dropped++
		}
	}
	for k, e := range r.previews {
		if e.owner == owner {
			delete(r.previews, k)
			dropped++
		}
	}
	return dropped
}

// Counts reports the current number of host and preview registrations.
func (r *Registry) Counts() (hosts, previews int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts), len(r.previews)
}

// Sweep expires entries that have not been seen within the TTL and reports
// how many were removed. A no-op when TTL is disabled.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.clk.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for k, e := range r.hosts {
		if e.lastSeen.Before(cutoff) {
			delete(r.hosts, k)
			expired++
		}
	}
	for k, e := range r.previews {
		if e.lastSeen.Before(cutoff) {
			delete(r.previews, k)
			expired++
		}
	}
	return expired
}

// Run sweeps periodically until the context is canceled. Does nothing when
// expiry is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}

	ticker := r.clk.Ticker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info(ctx, "expired stale registrations", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
