package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/cs16web/relay/internal/bridge"
	"github.com/cs16web/relay/internal/catalog"
	"github.com/cs16web/relay/internal/config"
	"github.com/cs16web/relay/internal/metrics"
	"github.com/cs16web/relay/internal/policy"
	"github.com/cs16web/relay/internal/ratelimit"
	"github.com/cs16web/relay/internal/webrtcpeer"
)

const (
	wsWriteWait = 1 * time.Second

	// Per-connection signaling frame budget. Generous for trickle ICE, tight
	// enough to stop floods.
	signalingBurst = 40
	signalingRate  = 20

	maxSignalingMessageBytes = 64 << 10
)

// Server upgrades /websocket (and /signal) requests and runs the signaling
// exchange that ends with an open game bridge.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	api      *webrtc.API
	policy   *policy.BackendPolicy
	catalog  *catalog.Catalog
	registry *bridge.Registry
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, api *webrtc.API, pol *policy.BackendPolicy, cat *catalog.Catalog, reg *bridge.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		api:      api,
		policy:   pol,
		catalog:  cat,
		registry: reg,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxSignalingMessageBytes)
	s.handle(conn)
}

// clientConn bundles the per-connection write path so candidate callbacks and
// the read loop never interleave frames.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) send(event string, data any) error {
	payload, err := MarshalEnvelope(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *clientConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (s *Server) handle(conn *websocket.Conn) {
	c := &clientConn{conn: conn}
	limiter := ratelimit.NewTokenBucket(nil, signalingBurst, signalingRate)

	// A hello must come first when a token is configured (so no peer resources
	// are spent on unauthenticated clients) and always in client-offer mode.
	var hello *HelloData
	if s.cfg.AuthToken != "" || s.cfg.ClientInitiated {
		h, ok := s.awaitHello(c)
		if !ok {
			return
		}
		hello = h
	}

	host, port, err := s.resolveBackend(hello)
	if err != nil {
		s.metrics.Inc(metrics.PolicyDenied)
		s.log.Warn("backend denied", "err", err)
		c.closeWith(ClosePolicy, "backend not allowed")
		return
	}

	id, err := bridge.NewID()
	if err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	sess, err := bridge.NewSession(id, host, port, bridge.Options{
		Logger:      s.log,
		Metrics:     s.metrics,
		BufferLimit: uint64(s.cfg.DataChannelBufferLimit),
		IdleTimeout: s.cfg.IdleTimeout,
	})
	if err != nil {
		s.log.Error("session setup failed", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	s.registry.Add(sess)

	peer, err := webrtcpeer.New(s.api, s.cfg.STUNURLs, sess, s.log)
	if err != nil {
		sess.Close()
		s.log.Error("peer setup failed", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}

	peer.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		_ = c.send(EventCandidate, CandidateData{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
	})

	var answerTimer *time.Timer
	answered := false

	if s.cfg.ClientInitiated {
		peer.AcceptChannels()
	} else {
		if err := peer.OpenChannels(); err != nil {
			_ = peer.Close()
			s.log.Error("datachannel setup failed", "err", err)
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
			return
		}
		offer, err := peer.Offer()
		if err != nil {
			_ = peer.Close()
			s.log.Error("offer failed", "err", err)
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
			return
		}
		if err := c.send(EventOffer, DescriptionData{Type: "offer", SDP: offer.SDP}); err != nil {
			_ = peer.Close()
			return
		}
		answerTimer = time.AfterFunc(s.cfg.AnswerTimeout, func() {
			c.closeWith(CloseAnswerTimeout, "answer timeout")
			_ = conn.Close()
		})
		defer answerTimer.Stop()
	}

	s.log.Info("signaling started", "session", sess.ID(), "backend", sess.Backend().String())

	defer func() {
		// The bridge outlives the socket once the answer is in: the WebRTC
		// session carries the game from here and the idle reaper or ICE failure
		// cleans up. Before that, an abandoned socket means an abandoned peer.
		if !answered {
			_ = peer.Close()
		}
	}()

	for {
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.SignalingRejected)
			c.closeWith(ClosePolicy, "message rate exceeded")
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			s.metrics.Inc(metrics.SignalingRejected)
			c.closeWith(CloseMalformed, "malformed message")
			return
		}

		switch env.Event {
		case EventHello:
			// A late hello may still pick a server; auth was settled up front.
			var data HelloData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "malformed hello")
				return
			}
			if data.Selects() {
				h, p, err := s.helloTarget(&data)
				if err != nil {
					s.metrics.Inc(metrics.PolicyDenied)
					c.closeWith(ClosePolicy, "backend not allowed")
					return
				}
				if err := sess.SetBackend(h, p); err != nil {
					c.closeWith(CloseMalformed, "invalid server")
					return
				}
			}

		case EventAnswer:
			var data DescriptionData
			if err := json.Unmarshal(env.Data, &data); err != nil || data.SDP == "" {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "malformed answer")
				return
			}
			if err := peer.HandleAnswer(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  data.SDP,
			}); err != nil {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "invalid answer")
				return
			}
			answered = true
			if answerTimer != nil {
				answerTimer.Stop()
			}

		case EventOffer:
			if !s.cfg.ClientInitiated {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "unexpected offer")
				return
			}
			var data DescriptionData
			if err := json.Unmarshal(env.Data, &data); err != nil || data.SDP == "" {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "malformed offer")
				return
			}
			answer, err := peer.Answer(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer,
				SDP:  data.SDP,
			})
			if err != nil {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "invalid offer")
				return
			}
			if err := c.send(EventAnswer, DescriptionData{Type: "answer", SDP: answer.SDP}); err != nil {
				return
			}
			answered = true

		case EventCandidate:
			var data CandidateData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				s.metrics.Inc(metrics.SignalingRejected)
				c.closeWith(CloseMalformed, "malformed candidate")
				return
			}
			if err := peer.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     data.Candidate,
				SDPMid:        data.SDPMid,
				SDPMLineIndex: data.SDPMLineIndex,
			}); err != nil {
				s.log.Debug("ice candidate rejected", "err", err)
			}
		}
	}
}

// awaitHello reads the mandatory first frame and checks the token. Reports
// ok=false after closing the socket with the right code.
//
// The frame comes in two shapes: the enveloped {"event":"hello","data":{...}}
// form and the bare {token, backend} object older clients send. Both carry
// HelloData.
func (s *Server) awaitHello(c *clientConn) (*HelloData, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.AnswerTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.metrics.Inc(metrics.SignalingRejected)
		c.closeWith(CloseMalformed, "malformed message")
		return nil, false
	}
	payload := json.RawMessage(raw)
	switch env.Event {
	case EventHello:
		payload = env.Data
	case "":
		// Bare hello object, no envelope.
	default:
		s.metrics.Inc(metrics.AuthFailure)
		c.closeWith(ClosePolicy, "hello required")
		return nil, false
	}

	var data HelloData
	if err := json.Unmarshal(payload, &data); err != nil {
		s.metrics.Inc(metrics.SignalingRejected)
		c.closeWith(CloseMalformed, "malformed hello")
		return nil, false
	}
	if s.cfg.AuthToken != "" && data.Token != s.cfg.AuthToken {
		s.metrics.Inc(metrics.AuthFailure)
		c.closeWith(ClosePolicy, "invalid token")
		return nil, false
	}
	return &data, true
}

// resolveBackend picks the game server for a new session: the hello's choice,
// then the catalog default, then the configured fallback.
func (s *Server) resolveBackend(hello *HelloData) (string, int, error) {
	if hello.Selects() {
		return s.helloTarget(hello)
	}
	if def, ok := s.catalog.Default(); ok {
		if err := s.policy.AllowErr(def.Host); err != nil {
			return "", 0, err
		}
		return def.Host, def.Port, nil
	}
	host, port := s.cfg.DefaultBackendHost, s.cfg.DefaultBackendPort
	if err := s.policy.AllowErr(host); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// helloTarget resolves a hello's backend selection: the explicit backend
// object first, then the server selector. The backend policy applies to both.
func (s *Server) helloTarget(hello *HelloData) (string, int, error) {
	if b := hello.Backend; b != nil {
		if b.Port < 1 || b.Port > 65535 {
			return "", 0, fmt.Errorf("%w: port %d out of range", policy.ErrBackendNotAllowed, b.Port)
		}
		if err := s.policy.AllowErr(b.Host); err != nil {
			return "", 0, err
		}
		return b.Host, b.Port, nil
	}
	return s.lookupServer(hello.Server)
}

// lookupServer resolves a hello server selector: a catalog id first, then a
// literal "host:port" or bare host. The backend policy applies either way.
func (s *Server) lookupServer(selector string) (string, int, error) {
	for _, e := range s.catalog.Entries() {
		if e.ID == selector {
			if err := s.policy.AllowErr(e.Host); err != nil {
				return "", 0, err
			}
			return e.Host, e.Port, nil
		}
	}

	host, portStr, err := net.SplitHostPort(selector)
	port := s.cfg.DefaultBackendPort
	if err != nil {
		host = selector
	} else if p, perr := strconv.Atoi(portStr); perr == nil && p >= 1 && p <= 65535 {
		port = p
	} else {
		return "", 0, policy.ErrBackendNotAllowed
	}
	if err := s.policy.AllowErr(host); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
