package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			DialSeconds:     5,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requestMessage(method, rawURL string, body []byte) *model.Message {
	header := http.Header{}
	return &model.Message{
		Method: method,
		URI:    rawURL,
		Proto:  "HTTP/1.1",
		Header: header,
		Body:   body,
	}
}

func TestUpstream_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(testConfig(), discardLogger(), nil, nil)

	resp, err := c.Do(context.Background(), requestMessage(http.MethodGet, srv.URL+"/test", nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Reason != "OK" {
		t.Errorf("Reason = %q, want %q", resp.Reason, "OK")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstream_Do_ForwardsHeadersAndBody(t *testing.T) {
	var gotHeader http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(testConfig(), discardLogger(), nil, nil)

	msg := requestMessage(http.MethodPost, srv.URL+"/submit", []byte("payload"))
	msg.Header.Set("X-Harness", "1")

	resp, err := c.Do(context.Background(), msg)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotHeader.Get("X-Harness") != "1" {
		t.Errorf("X-Harness = %q, want %q", gotHeader.Get("X-Harness"), "1")
	}
	if string(gotBody) != "payload" {
		t.Errorf("upstream body = %q, want %q", gotBody, "payload")
	}
}

func TestUpstream_Do_NoRedirectFollowing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := New(testConfig(), discardLogger(), nil, nil)

	resp, err := c.Do(context.Background(), requestMessage(http.MethodGet, srv.URL+"/", nil))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d (redirects belong to the browser)", resp.StatusCode, http.StatusFound)
	}
}

func TestUpstream_Do_Error(t *testing.T) {
	c := New(testConfig(), discardLogger(), nil, nil)

	_, err := c.Do(context.Background(), requestMessage(http.MethodGet, "http://127.0.0.1:1/nonexistent", nil))
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestUpstream_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(), discardLogger(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(ctx, requestMessage(http.MethodGet, srv.URL+"/slow", nil))
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
}
