// Package client provides the upstream HTTP client used by the interceptor.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
)

// Upstream issues one HTTP exchange per intercepted message. Response body
// decoding is disabled so bodies are relayed exactly as received, and
// redirects are returned to the client rather than followed.
type Upstream struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates an Upstream client with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics
// recording. roots overrides the trust store for HTTPS origins; nil means
// system roots.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, roots *x509.CertPool) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if roots != nil {
		transport.TLSClientConfig = &tls.Config{RootCAs: roots}
	}

	return &Upstream{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The browser behind the proxy handles redirects itself.
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do sends the (possibly rewritten) request message upstream and returns the
// response metadata separately from the body stream. The caller is
// responsible for closing the response body.
func (c *Upstream) Do(ctx context.Context, msg *model.Message) (*model.UpstreamResponse, error) {
	req, err := msg.Request()
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req = req.WithContext(ctx)

	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.String(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		Proto:      resp.Proto,
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp.Status, resp.StatusCode),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// reasonPhrase strips the numeric code from a "200 OK" status line.
func reasonPhrase(status string, code int) string {
	return strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
}
