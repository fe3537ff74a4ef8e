// Package router maps channel ids to their inbound queues.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/mux"
	"github.com/kstaniek/go-serial-mux/internal/queue"
)

// ErrDuplicateID is returned by Add when the id is already routed.
var ErrDuplicateID = errors.New("router: duplicate channel id")

// Inbox is the inbound queue of one channel.
type Inbox = queue.Queue[mux.Block]

type route struct {
	inbox    *Inbox
	disabled bool
}

// Router is the fixed id -> inbox table consulted by the demultiplexer.
// Routes are registered during setup; afterwards only Disable mutates it.
type Router struct {
	mu     sync.RWMutex
	routes map[uint8]*route
}

// New creates an empty Router.
func New() *Router { return &Router{routes: make(map[uint8]*route)} }

// Add registers the inbox for channel id.
func (r *Router) Add(id uint8, in *Inbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	r.routes[id] = &route{inbox: in}
	metrics.SetActiveChannels(r.activeLocked())
	return nil
}

// Dispatch enqueues b on its channel's inbox. Unknown ids return
// mux.ErrUnknownChannel; blocks for disabled channels are counted and dropped.
func (r *Router) Dispatch(b mux.Block) error {
	r.mu.RLock()
	rt, ok := r.routes[b.ID]
	disabled := ok && rt.disabled
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", mux.ErrUnknownChannel, b.ID)
	}
	if disabled {
		metrics.IncDropped()
		return nil
	}
	if err := rt.inbox.Push(b); err != nil {
		metrics.IncDropped()
		return fmt.Errorf("channel %d: %w", b.ID, err)
	}
	metrics.SetQueueDepth(b.ID, rt.inbox.Len())
	return nil
}

// Disable stops delivery to channel id and closes its inbox; safe to call multiple times.
func (r *Router) Disable(id uint8) {
	r.mu.Lock()
	rt, ok := r.routes[id]
	wasActive := ok && !rt.disabled
	if wasActive {
		rt.disabled = true
	}
	active := r.activeLocked()
	r.mu.Unlock()
	if !wasActive {
		return
	}
	rt.inbox.Close()
	metrics.SetActiveChannels(active)
	logging.L().Warn("channel_disabled", "channel", id, "active", active)
}

// Known reports whether id is routed (enabled or not).
func (r *Router) Known(id uint8) bool {
	r.mu.RLock()
	_, ok := r.routes[id]
	r.mu.RUnlock()
	return ok
}

// IDs returns the routed ids in ascending order.
func (r *Router) IDs() []uint8 {
	r.mu.RLock()
	ids := make([]uint8, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Active returns the number of enabled channels.
func (r *Router) Active() int { r.mu.RLock(); n := r.activeLocked(); r.mu.RUnlock(); return n }

func (r *Router) activeLocked() int {
	n := 0
	for _, rt := range r.routes {
		if !rt.disabled {
			n++
		}
	}
	return n
}
