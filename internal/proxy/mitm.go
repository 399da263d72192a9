package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// handshakeTimeout bounds each side of the TLS mediation.
const handshakeTimeout = 10 * time.Second

// mediate terminates the client's TLS on the proxy certificate and opens a
// verified TLS session to the origin over the already-dialed upstream
// stream, with SNI set to the original host. A failed handshake on either
// side closes everything; no partial tunnel is ever exposed.
func (p *Proxy) mediate(c *Conn, host string, logger *slog.Logger) (clientTLS, originTLS net.Conn, err error) {
	if _, err := io.WriteString(c.client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return nil, nil, fmt.Errorf("write tunnel response: %w", err)
	}

	tlsClient := tls.Server(c.client, &tls.Config{
		Certificates: []tls.Certificate{p.tlsCert},
	})
	if err := handshake(tlsClient); err != nil {
		_ = tlsClient.Close()
		return nil, nil, fmt.Errorf("client handshake: %w", err)
	}

	// The client's trust is configured out of band, but the origin's
	// certificate is always verified.
	tlsOrigin := tls.Client(c.upstream, &tls.Config{
		ServerName: host,
		RootCAs:    p.roots,
	})
	if err := handshake(tlsOrigin); err != nil {
		_ = tlsClient.Close()
		_ = tlsOrigin.Close()
		return nil, nil, fmt.Errorf("origin handshake: %w", err)
	}

	logger.Debug("tls mediation established",
		"host", host,
		"client_version", tlsClient.ConnectionState().Version,
		"origin_version", tlsOrigin.ConnectionState().Version,
	)
	return tlsClient, tlsOrigin, nil
}

func handshake(conn *tls.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	return conn.HandshakeContext(ctx)
}
