package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

// CameraSwitcher is implemented by video tracks that can flip between
// front and back cameras.
type CameraSwitcher interface {
	SwitchCamera() error
}

// LocalSource is implemented by tracks that can be sent over a pion
// PeerConnection.
type LocalSource interface {
	TrackLocal() webrtc.TrackLocal
	BindSender(s *webrtc.RTPSender)
}

// Facing selects a camera.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// AudioConstraints are the capture options requested for the microphone.
type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// VideoConstraints are the capture options requested for the camera.
type VideoConstraints struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Facing    Facing  `json:"facing"`
}

// Constraints is a capture request. Video is nil for voice calls.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// Devices is the device media API.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// AudioRouter is optionally implemented by Devices that can switch the
// output between earpiece and loudspeaker.
type AudioRouter interface {
	SetSpeaker(on bool) error
}

// PeerConnection is the negotiation primitive the Handle drives.
type PeerConnection interface {
	AddTrack(t Track) error
	AddReceiveOnly(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(d webrtc.SessionDescription) error
	SetRemoteDescription(d webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteStream(fn func(*RemoteStream))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	Close() error
}

// Connector creates peer connections.
type Connector interface {
	NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error)
}

// LocalStream is the set of tracks captured for one call.
type LocalStream struct {
	id     string
	tracks []Track
}

// NewLocalStream bundles tracks into a stream.
func NewLocalStream(id string, tracks ...Track) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *LocalStream) Tracks() []Track { return append([]Track(nil), s.tracks...) }

// HasVideo reports whether the stream carries a camera track.
func (s *LocalStream) HasVideo() bool { return s.first(webrtc.RTPCodecTypeVideo) != nil }

func (s *LocalStream) first(kind webrtc.RTPCodecType) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *LocalStream) stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
