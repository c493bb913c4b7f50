package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/collab-relay/internal/models"
)

// DefaultSTUN is used when no ICE servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// PeerState is the connection state of one peer link.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return fmt.Sprintf("peer-state(%d)", int(s))
}

// Peer is the part of a WebRTC peer connection the signaler drives.
// Callbacks may run on any goroutine.
type Peer interface {
	// Offer creates an offer and installs it as the local description.
	Offer() (models.SessionDescription, error)
	// Answer creates an answer to the installed remote offer and installs
	// it as the local description.
	Answer() (models.SessionDescription, error)
	SetRemoteDescription(models.SessionDescription) error
	AddICECandidate(models.ICECandidate) error
	OnICECandidate(func(models.ICECandidate))
	OnStateChange(func(PeerState))
	Close() error
}

// PeerFactory creates the peer connection to remote.
type PeerFactory func(remote models.Participant) (Peer, error)

// ICEConfig lists the STUN and TURN servers used for candidate gathering.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultICEConfig uses the DefaultSTUN server.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: []string{DefaultSTUN}}}}
}

// PionConfig configures peers created by NewPionFactory.
type PionConfig struct {
	ICE ICEConfig
	// Tracks are the local media attached to every peer. Without tracks
	// the peer receives audio and video only.
	Tracks []webrtc.TrackLocal
	// OnTrack receives the remote media of a participant.
	OnTrack func(remote models.Participant, track *webrtc.TrackRemote)
	// IncludeLoopback gathers loopback candidates, for same-host tests.
	IncludeLoopback bool
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc.
func NewPionFactory(cfg PionConfig) PeerFactory {
	if len(cfg.ICE.Servers) == 0 && !cfg.IncludeLoopback {
		cfg.ICE = DefaultICEConfig()
	}
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	return func(remote models.Participant) (Peer, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICE.Servers})
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		if err := attachMedia(pc, cfg.Tracks); err != nil {
			_ = pc.Close()
			return nil, err
		}
		if cfg.OnTrack != nil {
			pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				cfg.OnTrack(remote, track)
			})
		}
		return &pionPeer{pc: pc}, nil
	}
}

func attachMedia(pc *webrtc.PeerConnection, tracks []webrtc.TrackLocal) error {
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("adding %s transceiver: %w", kind, err)
			}
		}
		return nil
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
	}
	return nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) Offer() (models.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return fromPion(offer), nil
}

func (p *pionPeer) Answer() (models.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return fromPion(answer), nil
}

func (p *pionPeer) SetRemoteDescription(desc models.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (p *pionPeer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnICECandidate(fn func(models.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnStateChange(fn func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(fromPionState(s))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromPionState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	}
	return PeerNew
}
