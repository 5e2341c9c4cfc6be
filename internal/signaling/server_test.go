package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cs16web/relay/internal/bridge"
	"github.com/cs16web/relay/internal/catalog"
	"github.com/cs16web/relay/internal/config"
	"github.com/cs16web/relay/internal/metrics"
	"github.com/cs16web/relay/internal/policy"
	"github.com/cs16web/relay/internal/webrtcpeer"
)

type testEnv struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	registry *bridge.Registry
	catalog  *catalog.Catalog
	url      string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Loopback UDP echo stands in for the default game server.
	backend, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := backend.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = backend.WriteTo(buf[:n], addr)
		}
	}()

	cfg := config.Default()
	cfg.BackendCIDRs = []string{"127.0.0.0/8"}
	cfg.DefaultBackendHost = "127.0.0.1"
	cfg.DefaultBackendPort = backend.LocalAddr().(*net.UDPAddr).Port
	cfg.AnswerTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	pol, err := policy.New(cfg.BackendCIDRs)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	m := metrics.New()
	cat := catalog.New(nil, logger)
	reg := bridge.NewRegistry(logger, m)

	srv := NewServer(cfg, logger, m, webrtcpeer.NewAPI(), pol, cat, reg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(reg.CloseAll)

	return &testEnv{
		cfg:      cfg,
		metrics:  m,
		registry: reg,
		catalog:  cat,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := MarshalEnvelope(event, data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitEvent reads frames until one with the wanted event arrives, skipping
// others (candidates trickle in at arbitrary points).
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("bad frame while waiting for %q: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// awaitClose reads frames until the server closes and returns the close code.
func awaitClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if websocket.IsCloseError(err, CloseMalformed, ClosePolicy, CloseAnswerTimeout,
			websocket.CloseInternalServerErr, websocket.CloseNormalClosure) {
			closeErr = err.(*websocket.CloseError)
			return closeErr.Code
		}
		t.Fatalf("connection ended without close frame: %v", err)
	}
}

func TestServer_SendsOfferWithoutHello(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.url)

	offer := awaitEvent(t, conn, EventOffer)

	var desc DescriptionData
	if err := json.Unmarshal(offer.Data, &desc); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if desc.Type != "offer" || desc.SDP == "" {
		t.Errorf("offer = %+v", desc)
	}
	if env.registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", env.registry.Len())
	}
}

func TestServer_TokenRequiredBeforePeerSetup(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
		cfg.AnswerTimeout = 500 * time.Millisecond
	})
	conn := dial(t, env.url)

	// First frame is not a hello: rejected before any peer resources exist.
	sendEnvelope(t, conn, EventCandidate, CandidateData{Candidate: "candidate:1"})

	if code := awaitClose(t, conn); code != ClosePolicy {
		t.Errorf("close code = %d, want %d", code, ClosePolicy)
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry len = %d, no session should exist", env.registry.Len())
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.AuthFailure, got)
	}
}

func TestServer_WrongTokenRejected(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})
	conn := dial(t, env.url)

	sendEnvelope(t, conn, EventHello, HelloData{Token: "wrong"})

	if code := awaitClose(t, conn); code != ClosePolicy {
		t.Errorf("close code = %d, want %d", code, ClosePolicy)
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.AuthFailure, got)
	}
}

func TestServer_CorrectTokenGetsOffer(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})
	conn := dial(t, env.url)

	sendEnvelope(t, conn, EventHello, HelloData{Token: "sekrit"})
	awaitEvent(t, conn, EventOffer)
}

func TestServer_BareHelloWrongTokenCloses4403(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})
	conn := dial(t, env.url)

	// Older clients send the first frame as a bare object, no envelope.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"wrong"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if code := awaitClose(t, conn); code != ClosePolicy {
		t.Errorf("close code = %d, want %d", code, ClosePolicy)
	}
	if got := env.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.AuthFailure, got)
	}
}

func TestServer_BareHelloSelectsBackend(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})

	alt, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen alt backend: %v", err)
	}
	t.Cleanup(func() { _ = alt.Close() })
	selectedPort := alt.LocalAddr().(*net.UDPAddr).Port

	conn := dial(t, env.url)
	frame := fmt.Sprintf(`{"token":"sekrit","backend":{"host":"127.0.0.1","port":%d}}`, selectedPort)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitEvent(t, conn, EventOffer)

	sessions := env.registry.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if got := sessions[0].Backend().Port; got != selectedPort {
		t.Errorf("session backend port = %d, want %d", got, selectedPort)
	}
}

func TestServer_HelloBackendFieldDeniedCloses4403(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})
	conn := dial(t, env.url)

	// 8.8.8.8 is outside the allowed loopback CIDR.
	sendEnvelope(t, conn, EventHello, HelloData{
		Token:   "sekrit",
		Backend: &BackendAddr{Host: "8.8.8.8", Port: 27015},
	})

	if code := awaitClose(t, conn); code != ClosePolicy {
		t.Errorf("close code = %d, want %d", code, ClosePolicy)
	}
	if got := env.metrics.Get(metrics.PolicyDenied); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.PolicyDenied, got)
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", env.registry.Len())
	}
}

func TestServer_DeniedBackendCloses4403(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})
	conn := dial(t, env.url)

	// 8.8.8.8 is outside the allowed loopback CIDR.
	sendEnvelope(t, conn, EventHello, HelloData{Token: "sekrit", Server: "8.8.8.8:27015"})

	if code := awaitClose(t, conn); code != ClosePolicy {
		t.Errorf("close code = %d, want %d", code, ClosePolicy)
	}
	if got := env.metrics.Get(metrics.PolicyDenied); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.PolicyDenied, got)
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", env.registry.Len())
	}
}

func TestServer_MalformedFrameCloses4400(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.url)
	awaitEvent(t, conn, EventOffer)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := awaitClose(t, conn); code != CloseMalformed {
		t.Errorf("close code = %d, want %d", code, CloseMalformed)
	}
	if got := env.metrics.Get(metrics.SignalingRejected); got != 1 {
		t.Errorf("%s = %d, want 1", metrics.SignalingRejected, got)
	}
}

func TestServer_UnknownEventCloses4400(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.url)
	awaitEvent(t, conn, EventOffer)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"renegotiate","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := awaitClose(t, conn); code != CloseMalformed {
		t.Errorf("close code = %d, want %d", code, CloseMalformed)
	}
}

func TestServer_AnswerTimeoutCloses4408(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AnswerTimeout = 300 * time.Millisecond
	})
	conn := dial(t, env.url)
	awaitEvent(t, conn, EventOffer)

	// Never answer.
	if code := awaitClose(t, conn); code != CloseAnswerTimeout {
		t.Errorf("close code = %d, want %d", code, CloseAnswerTimeout)
	}
}

func TestServer_HelloSelectsCatalogServer(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthToken = "sekrit"
	})

	// Second loopback sink registered in the catalog.
	alt, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen alt backend: %v", err)
	}
	t.Cleanup(func() { _ = alt.Close() })
	selectedPort := alt.LocalAddr().(*net.UDPAddr).Port
	if err := env.catalog.AddConfigured([]string{alt.LocalAddr().String()}, 27015); err != nil {
		t.Fatalf("catalog: %v", err)
	}

	conn := dial(t, env.url)
	entry, _ := env.catalog.Default()
	sendEnvelope(t, conn, EventHello, HelloData{Token: "sekrit", Server: entry.ID})
	awaitEvent(t, conn, EventOffer)

	sessions := env.registry.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if got := sessions[0].Backend().Port; got != selectedPort {
		t.Errorf("session backend port = %d, want %d", got, selectedPort)
	}
}
