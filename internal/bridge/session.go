// Package bridge moves game traffic between a client's WebRTC DataChannels
// and a per-session UDP socket pointed at one game server. Each session owns
// exactly one socket; the game server sees one stable source port per player.
package bridge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cs16web/relay/internal/metrics"
)

// maxDatagramBytes is the UDP read buffer size. Game packets for the engines
// this relay fronts never exceed it.
const maxDatagramBytes = 2048

// DataChannel is the subset of pion/webrtc's DataChannel the bridge uses.
type DataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	Close() error
}

// State is the session lifecycle. Transitions only move forward.
type State int32

const (
	StateSignaling State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSignaling:
		return "signaling"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Session. Zero values get sane defaults.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	BufferLimit uint64 // DataChannel bufferedAmount ceiling before UDP->client drops
	IdleTimeout time.Duration
}

// Session bridges one client to one game server.
//
// Packet flow is lossy on purpose: a datagram that cannot be forwarded right
// now is dropped and counted, never queued. The game protocol tolerates loss;
// it does not tolerate latency from buffering.
type Session struct {
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics

	conn    *net.UDPConn
	backend atomic.Pointer[net.UDPAddr]

	bufferLimit uint64
	idleTimeout time.Duration

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	// readDC carries UDP->client traffic. Set once in Connect, then only read.
	mu       sync.Mutex
	readDC   DataChannel
	writeDC  DataChannel
	readOpen atomic.Bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

// NewID returns a 32-hex-char random session identifier.
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// NewSession binds a fresh UDP socket and targets it at backendHost:backendPort.
// The session starts in StateSignaling; traffic flows after Connect.
func NewSession(id string, backendHost string, backendPort int, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferLimit == 0 {
		opts.BufferLimit = 256 << 10
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bridge: bind session socket: %w", err)
	}

	s := &Session{
		id:          id,
		log:         opts.Logger.With("session", id),
		metrics:     opts.Metrics,
		conn:        conn,
		bufferLimit: opts.BufferLimit,
		idleTimeout: opts.IdleTimeout,
		done:        make(chan struct{}),
	}
	if err := s.SetBackend(backendHost, backendPort); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.touch()
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Backend() *net.UDPAddr { return s.backend.Load() }

// SetBackend retargets the session at a different game server. Signaling may
// call this when a hello selecting a server arrives after session creation.
func (s *Session) SetBackend(host string, port int) error {
	backend, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("bridge: resolve backend: %w", err)
	}
	s.backend.Store(backend)
	return nil
}

// LocalAddr is the socket's bound address, the source the game server sees.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session is fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnClose registers fn to run after the session closes. Must be set before
// Close; typically the registry removal hook.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without traffic.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) IdleTimeout() time.Duration { return s.idleTimeout }

// SetReadOpen tracks the "read" DataChannel's open state. The UDP pump only
// sends while it is open.
func (s *Session) SetReadOpen(open bool) {
	s.readOpen.Store(open)
}

// Connect attaches the two DataChannels and starts the UDP->client pump.
// readDC carries server traffic to the client; writeDC is held only so Close
// can shut both down.
func (s *Session) Connect(readDC, writeDC DataChannel) {
	s.mu.Lock()
	s.readDC = readDC
	s.writeDC = writeDC
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateSignaling), int32(StateConnected)) {
		return
	}
	s.touch()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpToClient(readDC)
	}()
	s.log.Info("session connected", "backend", s.Backend().String(), "local", s.LocalAddr().String())
}

// HandleClientPacket forwards one client datagram to the game server. Send
// failures are counted and dropped; they never end the session.
func (s *Session) HandleClientPacket(data []byte) {
	if s.State() >= StateClosing {
		return
	}
	s.touch()
	if _, err := s.conn.WriteToUDP(data, s.backend.Load()); err != nil {
		s.metrics.Inc(metrics.DroppedSendError)
		s.log.Debug("udp send failed", "err", err)
		return
	}
	s.metrics.Inc(metrics.PktToUDP)
}

// pumpToClient reads game server datagrams and pushes them down the read
// DataChannel, dropping when the channel is closed or congested.
func (s *Session) pumpToClient(dc DataChannel) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && s.State() < StateClosing {
				// The socket failed under us; take the session down with it.
				// Close waits on this goroutine, so it must run elsewhere.
				s.log.Warn("udp read failed", "err", err)
				go s.Close()
			}
			return
		}
		s.touch()

		if !s.readOpen.Load() || dc.BufferedAmount() >= s.bufferLimit {
			s.metrics.Inc(metrics.DroppedBackpressure)
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		if err := dc.Send(payload); err != nil {
			s.metrics.Inc(metrics.DroppedSendError)
			continue
		}
		s.metrics.Inc(metrics.PktToDC)
	}
}

// Close tears the session down: both DataChannels, then the UDP socket.
// Idempotent and safe from any goroutine except the pump itself.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.mu.Lock()
		readDC, writeDC := s.readDC, s.writeDC
		onClose := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		if readDC != nil {
			_ = readDC.Close()
		}
		if writeDC != nil {
			_ = writeDC.Close()
		}
		_ = s.conn.Close()
		s.wg.Wait()

		s.state.Store(int32(StateClosed))
		close(s.done)
		if onClose != nil {
			onClose()
		}
		s.metrics.Inc(metrics.SessionsClosed)
		s.log.Info("session closed")
	})
}
