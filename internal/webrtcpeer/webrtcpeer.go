// Package webrtcpeer owns the server-side PeerConnection for one client and
// binds its game DataChannels to a bridge session.
package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

func NewAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// ICEServers builds the PeerConnection ICE server list from configured STUN
// URLs. The relay usually runs with host candidates only; STUN helps when it
// sits behind NAT.
func ICEServers(stunURLs []string) []webrtc.ICEServer {
	if len(stunURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: stunURLs}}
}
