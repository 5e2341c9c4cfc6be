package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cs16web/relay/internal/catalog"
	"github.com/cs16web/relay/internal/config"
	"github.com/cs16web/relay/internal/metrics"
	"github.com/cs16web/relay/internal/sourcequery"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *catalog.Catalog, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	cat := catalog.New(&sourcequery.Client{Timeout: 200 * time.Millisecond}, logger)
	return New(cfg, logger, m, cat), cat, m
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.Service != config.ServiceName {
		t.Errorf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, m := newTestServer(t, nil)
	m.Add(metrics.PktToUDP, 7)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if want := "pkt_to_udp_total 7"; !strings.Contains(body, want) {
		t.Errorf("metrics body missing %q:\n%s", want, body)
	}
	if want := "pkt_to_dc_total 0"; !strings.Contains(body, want) {
		t.Errorf("metrics body missing %q", want)
	}
}

func TestServersEndpoint(t *testing.T) {
	// A2S responder playing a live game server.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		reply := []byte("\xFF\xFF\xFF\xFF\x49\x11Fun House\x00de_aztec\x00cstrike\x00Counter-Strike\x00\x01\x00\x03\x14")
		buf := make([]byte, 2048)
		for {
			_, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(reply, addr)
		}
	}()

	s, cat, _ := newTestServer(t, nil)
	if err := cat.AddConfigured([]string{conn.LocalAddr().String()}, 27015); err != nil {
		t.Fatalf("catalog: %v", err)
	}

	rec := get(t, s, "/servers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Servers []catalog.Entry `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Servers) != 1 {
		t.Fatalf("got %d servers", len(body.Servers))
	}
	e := body.Servers[0]
	if e.Status != catalog.StatusOnline || e.Name != "Fun House" || e.Map != "de_aztec" {
		t.Errorf("entry = %+v", e)
	}
	if e.Players != 3 || e.MaxPlayers != 20 {
		t.Errorf("players = %d/%d", e.Players, e.MaxPlayers)
	}
}

func TestHeartbeat_ReportsOfflineServerWithError(t *testing.T) {
	// Silent socket: the probe times out.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	s, cat, _ := newTestServer(t, nil)
	if err := cat.AddConfigured([]string{conn.LocalAddr().String()}, 27015); err != nil {
		t.Fatalf("catalog: %v", err)
	}

	rec := get(t, s, "/heartbeat")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Relay   map[string]any            `json:"relay"`
		Peer    map[string]any            `json:"peer"`
		Servers map[string]map[string]any `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Relay["status"] != "ok" {
		t.Errorf("relay = %v", body.Relay)
	}
	if body.Peer["status"] != "not_configured" {
		t.Errorf("peer = %v", body.Peer)
	}
	if len(body.Servers) != 1 {
		t.Fatalf("servers = %v", body.Servers)
	}
	for _, entry := range body.Servers {
		if entry["status"] != catalog.StatusOffline {
			t.Errorf("server entry = %v", entry)
		}
		if entry["error"] == nil {
			t.Error("offline server should carry an error")
		}
	}
}

func TestHeartbeat_ProbesSidecarPeer(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(peer.Close)

	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.SidecarPeerURL = peer.URL + "/health"
	})

	rec := get(t, s, "/heartbeat")
	var body struct {
		Peer map[string]any `json:"peer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Peer["status"] != "ok" {
		t.Errorf("peer = %v", body.Peer)
	}
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://play.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://play.example.com")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://play.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin for denied origin = %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	s, _, _ := newTestServer(t, nil) // default allows "*"

	req := httptest.NewRequest(http.MethodOptions, "/servers", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("missing allow-methods")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	s.mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := get(t, s, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, "/health")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec2 := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec2, req)
	if got := rec2.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("request id = %q, want echo", got)
	}
}
