package proxy

import "sync"

// Registry tracks live connections keyed by "host:port". It is the only
// shared mutable structure in the engine; all access is serialized here.
// An absent entry means the paired sockets are closed.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Connect inserts c. Re-entrant insertion for the same key closes and
// overwrites the previous entry; this is expected when the client
// reconnects to the same origin.
func (r *Registry) Connect(c *Conn) {
	r.mu.Lock()
	prev := r.conns[c.Key()]
	r.conns[c.Key()] = c
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// Disconnect closes and removes the connection registered under key, if the
// given connection is still the registered one.
func (r *Registry) Disconnect(c *Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[c.Key()]; ok && cur == c {
		delete(r.conns, c.Key())
	}
	r.mu.Unlock()

	c.Close()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
