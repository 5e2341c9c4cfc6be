package webrtcpeer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/cs16web/relay/internal/bridge"
)

// Peer owns one server-side PeerConnection and routes its two game
// DataChannels into a bridge session. Traffic flows once both channels are
// open; the session is closed when the connection fails.
type Peer struct {
	pc      *webrtc.PeerConnection
	session *bridge.Session
	log     *slog.Logger

	mu        sync.Mutex
	readDC    *webrtc.DataChannel
	writeDC   *webrtc.DataChannel
	readOpen  bool
	writeOpen bool

	connectOnce sync.Once
	ready       chan struct{}
	closeOnce   sync.Once
}

func New(api *webrtc.API, stunURLs []string, session *bridge.Session, logger *slog.Logger) (*Peer, error) {
	if api == nil {
		api = NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ICEServers(stunURLs)})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		session: session,
		log:     logger.With("session", session.ID()),
		ready:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.log.Info("peer connection ended", "state", state.String())
			_ = p.Close()
		}
	})

	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// Ready is closed once both game channels are open and packets can flow.
func (p *Peer) Ready() <-chan struct{} { return p.ready }

// OpenChannels creates the read and write channels, relay-as-offerer mode.
func (p *Peer) OpenChannels() error {
	read, write, err := CreateGameDataChannels(p.pc)
	if err != nil {
		return err
	}
	p.adopt(read)
	p.adopt(write)
	return nil
}

// AcceptChannels adopts channels the client creates, client-as-offerer mode.
// Channels that fail validation are closed and ignored.
func (p *Peer) AcceptChannels() {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateGameDataChannel(dc); err != nil {
			p.log.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		p.adopt(dc)
	})
}

func (p *Peer) adopt(dc *webrtc.DataChannel) {
	label := dc.Label()

	p.mu.Lock()
	switch label {
	case DataChannelLabelRead:
		p.readDC = dc
	case DataChannelLabelWrite:
		p.writeDC = dc
	}
	p.mu.Unlock()

	switch label {
	case DataChannelLabelRead:
		dc.OnOpen(func() {
			p.session.SetReadOpen(true)
			p.channelOpen(label)
		})
		dc.OnClose(func() {
			p.session.SetReadOpen(false)
		})
	case DataChannelLabelWrite:
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			// String frames carry their UTF-8 bytes in Data just like binary
			// ones. Copy because pion reuses internal buffers.
			data := append([]byte(nil), msg.Data...)
			p.session.HandleClientPacket(data)
		})
		dc.OnOpen(func() {
			p.channelOpen(label)
		})
	}
}

func (p *Peer) channelOpen(label string) {
	p.mu.Lock()
	switch label {
	case DataChannelLabelRead:
		p.readOpen = true
	case DataChannelLabelWrite:
		p.writeOpen = true
	}
	both := p.readOpen && p.writeOpen
	read, write := p.readDC, p.writeDC
	p.mu.Unlock()

	if !both {
		return
	}
	p.connectOnce.Do(func() {
		p.session.Connect(read, write)
		close(p.ready)
	})
}

// Offer creates and applies the local offer. ICE candidates trickle via
// OnICECandidate afterwards.
func (p *Peer) Offer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// Answer applies a client offer and produces the local answer.
func (p *Peer) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// OnICECandidate forwards gathered candidates to fn, skipping the
// end-of-gathering nil.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// Close tears down the bridge session and the PeerConnection. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.session.Close()
		err = p.pc.Close()
	})
	return err
}
