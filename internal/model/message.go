// Package model defines shared types for the proxy engine.
package model

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Message is a fully buffered view of one HTTP message. Rule chains mutate
// it in place; the interceptor re-serializes it afterwards with a recomputed
// Content-Length (chunked transfer coding is absorbed by the buffering).
//
// Request messages leave StatusCode zero and Reason empty; response messages
// leave Method and URI empty.
type Message struct {
	Method string
	URI    string
	Host   string

	Proto  string
	Header http.Header
	Body   []byte

	StatusCode int
	Reason     string
}

// NewRequestMessage buffers req into a Message. The request body is read to
// completion and closed. The Host header is materialized into the header map
// so header rules can address it.
func NewRequestMessage(req *http.Request) (*Message, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	header := cloneHeader(req.Header)
	if req.Host != "" && header.Get("Host") == "" {
		header.Set("Host", req.Host)
	}

	return &Message{
		Method: req.Method,
		URI:    req.URL.String(),
		Host:   req.Host,
		Proto:  req.Proto,
		Header: header,
		Body:   body,
	}, nil
}

// NewResponseMessage buffers resp into a Message. The response body is read
// to completion and closed.
func NewResponseMessage(proto string, statusCode int, reason string, header http.Header, body io.ReadCloser) (*Message, error) {
	var buf []byte
	if body != nil {
		var err error
		buf, err = io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	return &Message{
		Proto:      proto,
		Header:     cloneHeader(header),
		Body:       buf,
		StatusCode: statusCode,
		Reason:     reason,
	}, nil
}

// Request rebuilds an *http.Request from a request message. The body length
// is carried in ContentLength; any stale framing headers are dropped.
func (m *Message) Request() (*http.Request, error) {
	u, err := url.ParseRequestURI(m.URI)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", m.URI, err)
	}

	major, minor, ok := http.ParseHTTPVersion(m.Proto)
	if !ok {
		major, minor = 1, 1
	}

	header := cloneHeader(m.Header)
	host := m.Host
	if h := header.Get("Host"); h != "" {
		host = h
	}
	deleteFold(header, "Host")
	deleteFold(header, "Content-Length")
	deleteFold(header, "Transfer-Encoding")
	if _, ok := header["User-Agent"]; !ok && header.Get("User-Agent") == "" {
		// Suppress net/http's default User-Agent so absent headers stay absent.
		header["User-Agent"] = nil
	}

	return &http.Request{
		Method:        m.Method,
		URL:           u,
		Proto:         m.Proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Host:          host,
		Body:          io.NopCloser(bytes.NewReader(m.Body)),
		ContentLength: int64(len(m.Body)),
	}, nil
}

// WriteResponse serializes a response message to w. Content-Length is
// recomputed from the buffered body; Transfer-Encoding is never emitted.
func (m *Message) WriteResponse(w io.Writer) error {
	proto := m.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	reason := m.Reason
	if reason == "" {
		reason = http.StatusText(m.StatusCode)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", proto, m.StatusCode, reason)
	for key, vals := range m.Header {
		if strings.EqualFold(key, "Content-Length") || strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(m.Body))
	b.Write(m.Body)

	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	dst := make(http.Header, len(h))
	for k, v := range h {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}

func deleteFold(h http.Header, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// UpstreamResponse carries upstream response metadata separately from the
// body stream so the response chain can inspect them independently.
type UpstreamResponse struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       io.ReadCloser
}
