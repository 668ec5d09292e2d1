package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout bounds candidate gathering before the answer SDP is
// returned to signaling.
const iceGatherTimeout = 15 * time.Second

// answerPeer builds a PeerConnection for an operator's offer and returns
// the complete answer SDP. Vanilla ICE: all candidates are gathered
// before the SDP leaves this function, so signaling is one round-trip.
// onChannel fires once per inbound data channel, after detach.
func answerPeer(ctx context.Context, iceServers []string, offerSDP string, onChannel func(label string, rwc io.ReadWriteCloser), onDisconnect func()) (*webrtc.PeerConnection, string, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	// Detached data channels behave like streams, which the terminal and
	// transfer protocols frame themselves.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("creating peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			rwc, err := dc.Detach()
			if err != nil {
				dc.Close()
				return
			}
			onChannel(dc.Label(), rwc)
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			onDisconnect()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return nil, "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return nil, "", ctx.Err()
	}

	return pc, pc.LocalDescription().SDP, nil
}
