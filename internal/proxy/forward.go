package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// copyBufSize is the relay buffer size for raw forwarding.
const copyBufSize = 8 * 1024

// forward relays bytes in both directions until either stream closes or
// errors, then closes the pair so the peer task terminates too. Byte counts
// are logged on termination. No framing or parsing is performed.
//
// clientR is the client-side read stream; it may be a buffered reader
// wrapping the client socket so bytes already buffered are not lost.
func (p *Proxy) forward(c *Conn, clientR io.Reader, logger *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := copyBytes(c.upstream, clientR)
		c.Close()
		p.logDirection(logger, "client_to_origin", n, err)
	}()

	go func() {
		defer wg.Done()
		n, err := copyBytes(c.client, c.upstream)
		c.Close()
		p.logDirection(logger, "origin_to_client", n, err)
	}()

	wg.Wait()
}

func (p *Proxy) logDirection(logger *slog.Logger, direction string, n int64, err error) {
	if p.metrics != nil {
		p.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		logger.Error("tunnel copy", "direction", direction, "bytes", n, "err", err)
		return
	}
	logger.Info("tunnel closed", "direction", direction, "bytes", n)
}

func copyBytes(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufSize)
	return io.CopyBuffer(dst, src, buf)
}
