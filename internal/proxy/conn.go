// Package proxy implements the intercepting proxy engine: the listener
// lifecycle, the CONNECT state machine, raw forwarding, and TLS mediation.
package proxy

import (
	"fmt"
	"net"
	"sync"
)

// Conn pairs the client and upstream byte streams for one client↔origin
// channel. While open, both streams are owned exclusively by the task
// handling the connection.
type Conn struct {
	ID   string
	Host string
	Port int

	client   net.Conn
	upstream net.Conn

	mu   sync.Mutex
	open bool
}

func newConn(id, host string, port int, client, upstream net.Conn) *Conn {
	return &Conn{
		ID:       id,
		Host:     host,
		Port:     port,
		client:   client,
		upstream: upstream,
		open:     true,
	}
}

// Key returns the registry identity, "host:port".
func (c *Conn) Key() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Close closes both paired streams. Safe to call from either copy task;
// only the first call closes.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	c.open = false
	_ = c.client.Close()
	_ = c.upstream.Close()
}

// Open reports whether both streams are still live.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
