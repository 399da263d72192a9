package intercept

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/rules"
)

// RunTunnel drives the post-CONNECT interception loop over the two mediated
// plaintext streams: read one request from the client, run the request
// chain, forward over the origin stream, run the response chain on the
// reply, write it back. Requests are handled strictly in order; each
// response is written before the next request is read.
//
// Returns nil on clean client close, ErrDropped when a chain vetoed an
// exchange, and the underlying error otherwise.
func (r *Runner) RunTunnel(clientConn, originConn net.Conn, exchangeTimeout time.Duration) error {
	clientReader := bufio.NewReader(clientConn)
	originReader := bufio.NewReader(originConn)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read client request: %w", err)
		}

		msg, err := model.NewRequestMessage(req)
		if err != nil {
			return fmt.Errorf("buffer request: %w", err)
		}

		if r.eval("request", r.ic.request, msg) == rules.VerdictDrop {
			return ErrDropped
		}

		respMsg, err := r.exchange(originConn, originReader, msg, exchangeTimeout)
		if err != nil {
			return err
		}

		if r.eval("response", r.ic.response, respMsg) == rules.VerdictDrop {
			return ErrDropped
		}

		if err := respMsg.WriteResponse(clientConn); err != nil {
			return err
		}
	}
}

// exchange forwards one buffered request over the origin stream and buffers
// the reply. The deadline bounds the whole round trip; the origin otherwise
// drives the pace.
func (r *Runner) exchange(originConn net.Conn, originReader *bufio.Reader, msg *model.Message, timeout time.Duration) (*model.Message, error) {
	if timeout > 0 {
		_ = originConn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = originConn.SetDeadline(time.Time{}) }()
	}

	out, err := msg.Request()
	if err != nil {
		return nil, fmt.Errorf("rebuild request: %w", err)
	}
	if err := out.Write(originConn); err != nil {
		return nil, fmt.Errorf("write origin request: %w", err)
	}

	resp, err := http.ReadResponse(originReader, out)
	if err != nil {
		return nil, fmt.Errorf("read origin response: %w", err)
	}

	respMsg, err := model.NewResponseMessage(
		resp.Proto,
		resp.StatusCode,
		reasonFromStatus(resp),
		resp.Header,
		resp.Body,
	)
	if err != nil {
		return nil, fmt.Errorf("buffer response: %w", err)
	}
	return respMsg, nil
}

// reasonFromStatus strips the numeric code from a "200 OK" status line.
func reasonFromStatus(resp *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
}
