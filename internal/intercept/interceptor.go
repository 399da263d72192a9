// Package intercept orchestrates rule chains around upstream exchanges: the
// request chain, the upstream request, and the response chain per message.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"intercept-proxy-go/internal/client"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/rules"
)

// ErrDropped is returned when a rule chain vetoes an exchange. The caller
// closes the client connection without delivering a response.
var ErrDropped = errors.New("intercept: message dropped by chain")

// Interceptor bundles a request chain and a response chain. Immutable after
// construction.
type Interceptor struct {
	request  rules.Chain
	response rules.Chain
}

// New creates an Interceptor from the two chains.
func New(request, response rules.Chain) *Interceptor {
	return &Interceptor{request: request, response: response}
}

// Passthrough returns an interceptor with empty chains and default accept:
// traffic is decrypted and relayed unmodified.
func Passthrough() *Interceptor {
	return &Interceptor{
		request:  rules.Chain{Default: rules.VerdictAccept},
		response: rules.Chain{Default: rules.VerdictAccept},
	}
}

// Runner drives an Interceptor against live connections. It owns the
// collaborators the chains do not carry themselves: the upstream client for
// the direct path, the logging sink, and metrics.
type Runner struct {
	ic       *Interceptor
	upstream *client.Upstream
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates a Runner. The metrics parameter is optional.
func NewRunner(ic *Interceptor, up *client.Upstream, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		ic:       ic,
		upstream: up,
		logger:   logger.With("component", "interceptor"),
		metrics:  m,
	}
}

// RunDirect handles one plain-HTTP exchange: request chain, upstream request
// through the pooled client, response chain, response write. An upstream
// failure is answered with a synthesised 502 before the error is returned.
func (r *Runner) RunDirect(ctx context.Context, w io.Writer, req *http.Request) error {
	msg, err := model.NewRequestMessage(req)
	if err != nil {
		return fmt.Errorf("buffer request: %w", err)
	}

	if r.eval("request", r.ic.request, msg) == rules.VerdictDrop {
		return ErrDropped
	}

	resp, err := r.upstream.Do(ctx, msg)
	if err != nil {
		if r.metrics != nil {
			r.metrics.UpstreamFailures.Inc()
		}
		writeBadGateway(w)
		return fmt.Errorf("upstream exchange: %w", err)
	}

	respMsg, err := model.NewResponseMessage(resp.Proto, resp.StatusCode, resp.Reason, resp.Header, resp.Body)
	if err != nil {
		writeBadGateway(w)
		return fmt.Errorf("buffer response: %w", err)
	}

	if r.eval("response", r.ic.response, respMsg) == rules.VerdictDrop {
		return ErrDropped
	}

	return respMsg.WriteResponse(w)
}

// eval runs one chain and records the verdict.
func (r *Runner) eval(name string, c rules.Chain, m *model.Message) rules.Verdict {
	v := c.Eval(r.logger.With("chain", name), m)
	if r.metrics != nil {
		r.metrics.ChainVerdicts.WithLabelValues(name, v.String()).Inc()
	}
	return v
}

func writeBadGateway(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
}
