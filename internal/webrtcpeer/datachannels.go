package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabelRead carries game server -> client traffic.
	DataChannelLabelRead = "read"

	// DataChannelLabelWrite carries client -> game server traffic.
	DataChannelLabelWrite = "write"
)

// newGameChannelInit returns the reliability settings for a game channel:
// unordered with zero retransmits, so the channel behaves like UDP.
func newGameChannelInit() *webrtc.DataChannelInit {
	ordered := false
	var maxRetransmits uint16
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	}
}

// CreateGameDataChannels opens the read and write channels on pc. Used in the
// default mode where the relay is the offerer.
func CreateGameDataChannels(pc *webrtc.PeerConnection) (read, write *webrtc.DataChannel, err error) {
	read, err = pc.CreateDataChannel(DataChannelLabelRead, newGameChannelInit())
	if err != nil {
		return nil, nil, fmt.Errorf("create %q datachannel: %w", DataChannelLabelRead, err)
	}
	write, err = pc.CreateDataChannel(DataChannelLabelWrite, newGameChannelInit())
	if err != nil {
		return nil, nil, fmt.Errorf("create %q datachannel: %w", DataChannelLabelWrite, err)
	}
	return read, write, nil
}

// validateGameDataChannel checks a client-created channel before adopting it.
// Game channels emulate UDP: unordered, zero retransmits.
func validateGameDataChannel(dc *webrtc.DataChannel) error {
	switch dc.Label() {
	case DataChannelLabelRead, DataChannelLabelWrite:
	default:
		return fmt.Errorf("unexpected datachannel label %q", dc.Label())
	}
	if dc.Ordered() {
		return fmt.Errorf("game datachannel %q must be unordered", dc.Label())
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("game datachannel %q must not set maxPacketLifeTime (use maxRetransmits=0)", dc.Label())
	}
	maxRetransmits := dc.MaxRetransmits()
	if maxRetransmits == nil || *maxRetransmits != 0 {
		return fmt.Errorf("game datachannel %q must set maxRetransmits=0", dc.Label())
	}
	return nil
}
