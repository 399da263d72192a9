package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"intercept-proxy-go/internal/intercept"
)

// handleConn parses one HTTP request from the accepted client stream and
// dispatches CONNECT vs direct. A panic anywhere below is contained here so
// one misbehaving connection cannot affect the acceptor or its peers.
func (p *Proxy) handleConn(nc net.Conn) {
	connID := uuid.NewString()
	logger := p.logger.With("conn_id", connID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panic", "panic", r)
		}
		_ = nc.Close()
	}()

	br := bufio.NewReader(nc)
	req, err := http.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Info("client closed before sending a request")
		} else {
			logger.Error("parse request", "err", err)
		}
		return
	}

	if req.Method == http.MethodConnect {
		p.handleConnect(nc, br, req, connID, logger)
		return
	}
	p.handleDirect(nc, br, req, logger)
}

// handleConnect opens the upstream TCP connection, answers the CONNECT, and
// enters either raw tunnel mode or TLS-mediated interception.
func (p *Proxy) handleConnect(nc net.Conn, br *bufio.Reader, req *http.Request, connID string, logger *slog.Logger) {
	host, port, err := connectTarget(req)
	if err != nil {
		logger.Error("connect target", "target", req.Host, "err", err)
		_, _ = io.WriteString(nc, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	logger = logger.With("origin", net.JoinHostPort(host, strconv.Itoa(port)))

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.dialTimeout)
	if err != nil {
		logger.Error("connect upstream dial", "err", err)
		if p.metrics != nil {
			p.metrics.UpstreamFailures.Inc()
		}
		_, _ = io.WriteString(nc, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}

	c := newConn(connID, host, port, nc, upstream)
	p.registry.Connect(c)
	if p.metrics != nil {
		p.metrics.ConnectionsTotal.WithLabelValues("connect").Inc()
		p.metrics.ConnectionsOpen.Inc()
	}
	defer func() {
		p.registry.Disconnect(c)
		if p.metrics != nil {
			p.metrics.ConnectionsOpen.Dec()
		}
	}()

	if p.runner == nil {
		if _, err := io.WriteString(nc, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			logger.Error("write tunnel response", "err", err)
			return
		}
		logger.Debug("raw tunnel established")
		p.forward(c, br, logger)
		return
	}

	clientTLS, originTLS, err := p.mediate(c, host, logger)
	if err != nil {
		logger.Error("tls mediation", "err", err)
		return
	}

	switch err := p.runner.RunTunnel(clientTLS, originTLS, p.exchangeTimeout); {
	case err == nil:
		logger.Info("intercepted tunnel closed")
	case errors.Is(err, intercept.ErrDropped):
		logger.Info("intercepted tunnel dropped by chain")
	default:
		logger.Error("intercepted tunnel", "err", err)
	}
}

// handleDirect forwards a non-CONNECT request: through the interceptor when
// one is configured, otherwise by raw-forwarding the parsed request and all
// bytes that follow it.
func (p *Proxy) handleDirect(nc net.Conn, br *bufio.Reader, req *http.Request, logger *slog.Logger) {
	host, port, err := directTarget(req)
	if err != nil {
		logger.Error("direct target", "uri", req.URL.String(), "err", err)
		return
	}
	logger = logger.With("origin", net.JoinHostPort(host, strconv.Itoa(port)))

	if p.metrics != nil {
		p.metrics.ConnectionsTotal.WithLabelValues("direct").Inc()
	}

	if p.runner != nil {
		p.runDirectLoop(nc, br, req, logger)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.dialTimeout)
	if err != nil {
		logger.Error("direct upstream dial", "err", err)
		if p.metrics != nil {
			p.metrics.UpstreamFailures.Inc()
		}
		_, _ = io.WriteString(nc, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}

	c := newConn(uuid.NewString(), host, port, nc, upstream)
	p.registry.Connect(c)
	if p.metrics != nil {
		p.metrics.ConnectionsOpen.Inc()
	}
	defer func() {
		p.registry.Disconnect(c)
		if p.metrics != nil {
			p.metrics.ConnectionsOpen.Dec()
		}
	}()

	// The origin expects origin-form; Write re-serializes the absolute-form
	// request accordingly, body included.
	if err := req.Write(upstream); err != nil {
		logger.Error("forward first request", "err", err)
		return
	}
	p.forward(c, br, logger)
}

// runDirectLoop routes requests on one client connection through the
// interceptor, strictly in order, until the client closes or a chain drops.
func (p *Proxy) runDirectLoop(nc net.Conn, br *bufio.Reader, req *http.Request, logger *slog.Logger) {
	ctx := context.Background()
	for {
		if req.URL.Scheme == "" {
			// Origin-form request to the proxy port; assume plain HTTP.
			req.URL.Scheme = "http"
			req.URL.Host = req.Host
		}

		switch err := p.runner.RunDirect(ctx, nc, req); {
		case err == nil:
		case errors.Is(err, intercept.ErrDropped):
			logger.Info("request dropped by chain")
			return
		default:
			logger.Error("direct interception", "err", err)
			return
		}

		var err error
		req, err = http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Error("parse request", "err", err)
			}
			return
		}
	}
}

// connectTarget parses the authority-form CONNECT target, defaulting the
// port to 443.
func connectTarget(req *http.Request) (string, int, error) {
	target := req.Host
	if target == "" {
		target = req.URL.Host
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 443, nil //nolint:nilerr // bare host means default port
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// directTarget derives host and port from an absolute request URI, falling
// back to the Host header and the scheme default port.
func directTarget(req *http.Request) (string, int, error) {
	host := req.URL.Hostname()
	if host == "" {
		h, portStr, err := net.SplitHostPort(req.Host)
		if err != nil {
			host = req.Host
		} else {
			port, perr := strconv.Atoi(portStr)
			if perr != nil {
				return "", 0, fmt.Errorf("invalid port %q", portStr)
			}
			return h, port, nil
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("no target host in %q", req.URL.String())
	}

	if portStr := req.URL.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
		return host, port, nil
	}
	if req.URL.Scheme == "https" {
		return host, 443, nil
	}
	return host, 80, nil
}
