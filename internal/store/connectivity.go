package store

import "sync"

// Connectivity tracks whether the device currently has a network path to
// the remote sync collaborator. The store itself never talks to the
// network; callers flip the state and subscribers (sync drivers, the
// CLI status command) react to transitions.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// NewConnectivity returns a tracker starting in the given state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{
		online: online,
		subs:   make(map[int]func(online bool)),
	}
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a state change, notifying subscribers only on an
// actual transition.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns a cancel func.
// Callbacks run synchronously on the goroutine calling SetOnline.
func (c *Connectivity) Subscribe(fn func(online bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
