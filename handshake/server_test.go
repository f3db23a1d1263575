package handshake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbndr/synowire/wireproto"
)

func TestAcceptAndDialRoundTrip(t *testing.T) {
	t.Parallel()

	serverRegistry := wireproto.NewRegistry()
	serverRegistry.Add(wireproto.NewJSONProtocol("synopsejson", ""))

	var gotResult *Result
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := Accept(w, r, serverRegistry)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		gotResult = res
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	clientRegistry := wireproto.NewRegistry()
	clientRegistry.Add(wireproto.NewJSONProtocol("synopsejson", ""))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientResult, resp, err := Dial(context.Background(), wsURL, clientRegistry)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientResult.Closer.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	if clientResult.Protocol.Name() != "synopsejson" {
		t.Fatalf("negotiated protocol = %q, want synopsejson", clientResult.Protocol.Name())
	}
	if gotResult == nil {
		t.Fatal("server-side Accept never ran")
	}
	if gotResult.Protocol.Name() != "synopsejson" {
		t.Fatalf("server negotiated protocol = %q, want synopsejson", gotResult.Protocol.Name())
	}

	gotResult.Closer.Close()
}

func TestAcceptRejectsNonUpgradeRequest(t *testing.T) {
	t.Parallel()

	registry := wireproto.NewRegistry()
	registry.Add(wireproto.NewJSONProtocol("synopsejson", ""))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := Accept(w, r, registry); err == nil {
			t.Error("expected Accept to reject a plain GET request")
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("http.Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptRejectsUnmatchedProtocol(t *testing.T) {
	t.Parallel()

	registry := wireproto.NewRegistry()
	registry.Add(wireproto.NewJSONProtocol("synopsejson", "/only-here"))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := Accept(w, r, registry); err == nil {
			t.Error("expected Accept to reject when no protocol matches the path")
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/elsewhere", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptRejectsOldWebSocketVersion(t *testing.T) {
	t.Parallel()

	registry := wireproto.NewRegistry()
	registry.Add(wireproto.NewJSONProtocol("synopsejson", ""))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := Accept(w, r, registry); err == nil {
			t.Error("expected Accept to reject Sec-WebSocket-Version 8")
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "8")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
