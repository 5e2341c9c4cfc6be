// Package sidecar implements the alternative ingress mode: an upstream
// process POSTs raw game packets per client, the relay forwards them over
// per-client UDP sockets, and server responses stream back on a WebSocket.
package sidecar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cs16web/relay/internal/catalog"
	"github.com/cs16web/relay/internal/metrics"
)

const (
	maxDatagramBytes = 2048
	cleanupInterval  = 1 * time.Second
	egressWriteWait  = 1 * time.Second
)

// PacketData accepts the three encodings upstreams use for the data field:
// a base64 string, a plain string of bytes, or a JSON array of octets.
type PacketData []byte

func (d *PacketData) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var octets []int
		if err := json.Unmarshal(b, &octets); err != nil {
			return err
		}
		out := make([]byte, len(octets))
		for i, o := range octets {
			if o < 0 || o > 255 {
				return fmt.Errorf("sidecar: octet %d out of range", o)
			}
			out[i] = byte(o)
		}
		*d = out
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		*d = decoded
		return nil
	}
	*d = []byte(s)
	return nil
}

// GamePacket is the ingress body: which client sent the packet and its bytes.
type GamePacket struct {
	ClientIP []int      `json:"client_ip"`
	Data     PacketData `json:"data"`
}

// egressPacket mirrors GamePacket on the way back; data is always an octet
// array so the receiver needs no decode heuristics.
type egressPacket struct {
	ClientIP []int `json:"client_ip"`
	Data     []int `json:"data"`
}

// clientFlow is one upstream client's UDP socket toward the game server.
type clientFlow struct {
	ip           [4]byte
	conn         *net.UDPConn
	backend      *net.UDPAddr
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func (f *clientFlow) touch() {
	f.lastActivity.Store(time.Now().UnixNano())
}

func (f *clientFlow) close() {
	f.closeOnce.Do(func() { _ = f.conn.Close() })
}

// Service routes sidecar traffic. Every client gets its own UDP socket bound
// on first ingress, all toward the catalog's default server.
type Service struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	catalog     *catalog.Catalog
	idleTimeout time.Duration
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	flows  map[[4]byte]*clientFlow
	egress map[*websocket.Conn]*sync.Mutex
	closed bool
}

func New(logger *slog.Logger, m *metrics.Metrics, cat *catalog.Catalog, idleTimeout time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Service{
		log:         logger,
		metrics:     m,
		catalog:     cat,
		idleTimeout: idleTimeout,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		flows:       make(map[[4]byte]*clientFlow),
		egress:      make(map[*websocket.Conn]*sync.Mutex),
	}
}

// HandleGamePacket is POST /game-packet: decode, bind a flow if needed,
// forward to the game server.
func (s *Service) HandleGamePacket(w http.ResponseWriter, r *http.Request) {
	var pkt GamePacket
	if err := json.NewDecoder(r.Body).Decode(&pkt); err != nil {
		http.Error(w, "invalid packet", http.StatusBadRequest)
		return
	}
	ip, err := clientKey(pkt.ClientIP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metrics.Inc(metrics.GoToPython)

	flow, err := s.flowFor(ip)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	flow.touch()

	if _, err := flow.conn.WriteToUDP(pkt.Data, flow.backend); err != nil {
		s.metrics.Inc(metrics.DroppedSendError)
		s.log.Warn("sidecar forward failed", "client", clientID(ip), "err", err)
		http.Error(w, "failed to forward packet", http.StatusBadGateway)
		return
	}
	s.metrics.Inc(metrics.PktToUDP)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func clientKey(octets []int) ([4]byte, error) {
	var ip [4]byte
	if len(octets) != 4 {
		return ip, fmt.Errorf("client_ip must have 4 octets, got %d", len(octets))
	}
	for i, o := range octets {
		if o < 0 || o > 255 {
			return ip, fmt.Errorf("client_ip octet %d out of range", o)
		}
		ip[i] = byte(o)
	}
	return ip, nil
}

func clientID(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

func (s *Service) flowFor(ip [4]byte) (*clientFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[ip]; ok {
		return f, nil
	}

	def, ok := s.catalog.Default()
	if !ok {
		return nil, fmt.Errorf("no servers configured")
	}
	backend, err := net.ResolveUDPAddr("udp", def.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind client socket: %w", err)
	}

	f := &clientFlow{ip: ip, conn: conn, backend: backend}
	f.touch()
	s.flows[ip] = f

	go s.readLoop(f)
	s.log.Info("sidecar flow opened", "client", clientID(ip), "backend", def.ID)
	return f, nil
}

// readLoop fans server responses out to every attached egress socket.
func (s *Service) readLoop(f *clientFlow) {
	defer s.dropFlow(f)

	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f.touch()

		octets := make([]int, n)
		for i, b := range buf[:n] {
			octets[i] = int(b)
		}
		payload, err := json.Marshal(egressPacket{ClientIP: ipOctets(f.ip), Data: octets})
		if err != nil {
			continue
		}

		// One datagram counts once no matter how many egress sockets are
		// attached.
		delivered := false
		for conn, mu := range s.egressConns() {
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(egressWriteWait))
			err := conn.WriteMessage(websocket.TextMessage, payload)
			mu.Unlock()
			if err != nil {
				s.metrics.Inc(metrics.DroppedSendError)
				continue
			}
			delivered = true
		}
		if delivered {
			s.metrics.Inc(metrics.PythonToGo)
		}
	}
}

func ipOctets(ip [4]byte) []int {
	out := make([]int, 4)
	for i, b := range ip {
		out[i] = int(b)
	}
	return out
}

func (s *Service) egressConns() map[*websocket.Conn]*sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*websocket.Conn]*sync.Mutex, len(s.egress))
	for c, mu := range s.egress {
		out[c] = mu
	}
	return out
}

func (s *Service) dropFlow(f *clientFlow) {
	f.close()
	s.mu.Lock()
	if s.flows[f.ip] == f {
		delete(s.flows, f.ip)
	}
	s.mu.Unlock()
}

// HandleEgressWS is GET /ws-from-go: the upstream attaches here to receive
// server responses. Inbound frames are drained and ignored.
func (s *Service) HandleEgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.egress[conn] = &sync.Mutex{}
	s.mu.Unlock()
	s.log.Info("sidecar egress attached", "remote", conn.RemoteAddr().String())

	defer func() {
		s.mu.Lock()
		delete(s.egress, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("sidecar egress detached", "remote", conn.RemoteAddr().String())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// FlowCount reports the number of live client flows.
func (s *Service) FlowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// RunCleanup closes idle flows until ctx is done.
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(time.Now())
		}
	}
}

func (s *Service) cleanupOnce(now time.Time) {
	s.mu.Lock()
	var idle []*clientFlow
	for _, f := range s.flows {
		if now.Sub(time.Unix(0, f.lastActivity.Load())) > s.idleTimeout {
			idle = append(idle, f)
		}
	}
	s.mu.Unlock()

	for _, f := range idle {
		s.log.Info("closing idle sidecar flow", "client", clientID(f.ip))
		f.close()
	}
}

// Close shuts down all flows and egress sockets.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	flows := make([]*clientFlow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	conns := make([]*websocket.Conn, 0, len(s.egress))
	for c := range s.egress {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, f := range flows {
		f.close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}
