package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mbndr/synowire/client"
	"github.com/mbndr/synowire/engine"
	"github.com/mbndr/synowire/wireproto"
)

func newRegistry() *wireproto.Registry {
	r := wireproto.NewRegistry()
	r.Add(wireproto.NewJSONProtocol("synopsejson", ""))
	return r
}

func TestServerAcceptsAndEchoes(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, req wireproto.RequestContext) wireproto.ResponseContext {
		return wireproto.ResponseContext{Status: "200 OK", ContentType: req.ContentType, Body: req.Body}
	}

	s := New(Config{Registry: newRegistry(), Handler: handler})
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	c := client.New(newRegistry())
	defer c.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if err := c.Upgrade(context.Background(), wsURL); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	resp, err := c.Request(context.Background(), wireproto.RequestContext{
		Method: "GET", URL: "/x", ContentType: "text/plain", Body: []byte("ping"),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp.Body) != "ping" {
		t.Fatalf("body = %q, want ping", resp.Body)
	}
}

func TestServerTracksConnectionsAndPush(t *testing.T) {
	t.Parallel()

	connected := make(chan uuid.UUID, 1)
	disconnected := make(chan bool, 1)

	s := New(Config{
		Registry:     newRegistry(),
		OnConnect:    func(id uuid.UUID, _ *wireproto.Protocol) { connected <- id },
		OnDisconnect: func(_ uuid.UUID, graceful bool) { disconnected <- graceful },
	})
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	pushed := make(chan string, 1)
	c := client.New(newRegistry())
	c.OnPush(func(_ context.Context, req wireproto.RequestContext) wireproto.ResponseContext {
		pushed <- string(req.Body)
		return wireproto.ResponseContext{Status: "201 Created"}
	})
	defer c.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if err := c.Upgrade(context.Background(), wsURL); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	var id uuid.UUID
	select {
	case id = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was never invoked")
	}

	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}

	resp, err := s.Push(context.Background(), id, wireproto.RequestContext{
		Method: "POST", URL: "/push", ContentType: "text/plain", Body: []byte("hello client"),
	}, engine.BlockWithAnswer)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if resp.Status != "201 Created" {
		t.Fatalf("status = %q, want 201 Created", resp.Status)
	}

	select {
	case body := <-pushed:
		if body != "hello client" {
			t.Fatalf("pushed body = %q, want 'hello client'", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed the push")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was never invoked")
	}
}

func TestServerPushUnknownConnectionFails(t *testing.T) {
	t.Parallel()

	s := New(Config{Registry: newRegistry()})
	_, err := s.Push(context.Background(), uuid.New(), wireproto.RequestContext{Method: "GET"}, engine.BlockWithAnswer)
	if err == nil {
		t.Fatal("expected an error pushing to an unknown connection id")
	}
}

func TestServerRateLimitReturns429(t *testing.T) {
	t.Parallel()

	calls := 0
	handler := func(_ context.Context, _ wireproto.RequestContext) wireproto.ResponseContext {
		calls++
		return wireproto.ResponseContext{Status: "200 OK"}
	}

	s := New(Config{
		Registry:  newRegistry(),
		Handler:   handler,
		RateLimit: RateLimitConfig{MessagesPerSecond: 0, Burst: 1, Enabled: true},
	})
	httpSrv := httptest.NewServer(s.Handler())
	defer httpSrv.Close()

	c := client.New(newRegistry())
	defer c.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if err := c.Upgrade(context.Background(), wsURL); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	first, err := c.Request(context.Background(), wireproto.RequestContext{Method: "GET", URL: "/x"})
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if first.Status != "200 OK" {
		t.Fatalf("first status = %q, want 200 OK", first.Status)
	}

	second, err := c.Request(context.Background(), wireproto.RequestContext{Method: "GET", URL: "/x"})
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if second.Status != "429 Too Many Requests" {
		t.Fatalf("second status = %q, want 429 Too Many Requests", second.Status)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}
