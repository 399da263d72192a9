package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"intercept-proxy-go/internal/client"
	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/metrics"
)

// ErrAlreadyStarted is returned by Start on any proxy that is not in the
// new state, including one that has been stopped.
var ErrAlreadyStarted = errors.New("proxy: already started")

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

// Options carries the embedder-facing knobs that are not part of the config
// file surface.
type Options struct {
	// Interceptor enables TLS mediation and rule chain evaluation. Nil
	// means raw forwarding only.
	Interceptor *intercept.Interceptor

	// UpstreamRoots overrides the trust store used to verify origin
	// certificates during mediation. Nil means system roots.
	UpstreamRoots *x509.CertPool
}

// Proxy is the intercepting proxy engine. Immutable fields (address,
// interceptor, TLS material) are set at construction; the listener and
// state transition only under the proxy's own lock.
type Proxy struct {
	addr    string
	backlog int

	registry *Registry
	runner   *intercept.Runner
	roots    *x509.CertPool
	tlsCert  tls.Certificate

	dialTimeout     time.Duration
	exchangeTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	st state
	ln net.Listener
}

// New creates a Proxy from the configuration. When opts.Interceptor is set
// the TLS certificate and key are loaded immediately; a proxy without an
// interceptor never touches the certificate files.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, up *client.Upstream, opts Options) (*Proxy, error) {
	p := &Proxy{
		addr:            cfg.Proxy.Addr(),
		backlog:         cfg.Proxy.Backlog,
		registry:        NewRegistry(),
		roots:           opts.UpstreamRoots,
		dialTimeout:     time.Duration(cfg.Upstream.DialSeconds) * time.Second,
		exchangeTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:          logger.With("component", "proxy"),
		metrics:         m,
	}

	if opts.Interceptor != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		p.tlsCert = cert
		p.runner = intercept.NewRunner(opts.Interceptor, up, logger, m)
	}

	return p, nil
}

// Start binds the listen socket and spawns the accept loop. It returns once
// listening is established so callers may connect immediately. Calling
// Start on a running or stopped proxy returns ErrAlreadyStarted.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st != stateNew {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", p.addr, err)
	}

	p.ln = ln
	p.st = stateRunning
	p.logger.Info("proxy listening", "addr", ln.Addr().String())

	go p.acceptLoop(ln)
	return nil
}

// Stop closes every registered connection and then the listen socket. The
// accept loop observes closure and exits. Idempotent once stopped.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.st == stateStopped {
		p.mu.Unlock()
		return nil
	}
	ln := p.ln
	p.ln = nil
	p.st = stateStopped
	p.mu.Unlock()

	p.registry.CloseAll()
	if ln != nil {
		if err := ln.Close(); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}
	p.logger.Info("proxy stopped")
	return nil
}

// Addr returns the bound listen address, or empty when not running.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// State returns the lifecycle state name: new, running or stopped.
func (p *Proxy) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.String()
}

// OpenConnections returns the number of registered connections.
func (p *Proxy) OpenConnections() int {
	return p.registry.Len()
}

// Intercepting reports whether an interceptor is configured.
func (p *Proxy) Intercepting() bool {
	return p.runner != nil
}

// acceptLoop accepts until the listener closes. Transient accept errors are
// logged and the loop continues; each accepted connection is handled on its
// own goroutine.
func (p *Proxy) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.logger.Debug("accept loop exiting")
				return
			}
			p.logger.Error("accept", "err", err)
			continue
		}
		go p.handleConn(conn)
	}
}
