package webrtcpeer

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func newTestPC(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestValidateGameDataChannel(t *testing.T) {
	pc := newTestPC(t)

	ordered := true
	unordered := false
	var zero uint16
	lifetime := uint16(100)

	cases := []struct {
		name    string
		label   string
		init    *webrtc.DataChannelInit
		wantErr bool
	}{
		{"read channel", DataChannelLabelRead, newGameChannelInit(), false},
		{"write channel", DataChannelLabelWrite, newGameChannelInit(), false},
		{"wrong label", "chat", newGameChannelInit(), true},
		{"ordered", DataChannelLabelRead, &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &zero}, true},
		{"no retransmit limit", DataChannelLabelRead, &webrtc.DataChannelInit{Ordered: &unordered}, true},
		{"packet lifetime", DataChannelLabelRead, &webrtc.DataChannelInit{Ordered: &unordered, MaxPacketLifeTime: &lifetime}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dc, err := pc.CreateDataChannel(tc.label, tc.init)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			defer dc.Close()
			if err := validateGameDataChannel(dc); (err != nil) != tc.wantErr {
				t.Errorf("validate err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestCreateGameDataChannels(t *testing.T) {
	pc := newTestPC(t)

	read, write, err := CreateGameDataChannels(pc)
	if err != nil {
		t.Fatalf("CreateGameDataChannels: %v", err)
	}
	for _, dc := range []*webrtc.DataChannel{read, write} {
		if err := validateGameDataChannel(dc); err != nil {
			t.Errorf("created channel %q fails validation: %v", dc.Label(), err)
		}
	}
	if read.Label() != DataChannelLabelRead || write.Label() != DataChannelLabelWrite {
		t.Errorf("labels = %q, %q", read.Label(), write.Label())
	}
}

func TestICEServers(t *testing.T) {
	if got := ICEServers(nil); got != nil {
		t.Errorf("ICEServers(nil) = %v, want nil", got)
	}
	got := ICEServers([]string{"stun:stun.l.google.com:19302"})
	if len(got) != 1 || len(got[0].URLs) != 1 {
		t.Errorf("ICEServers = %+v", got)
	}
}
