// Package screen holds the logic behind the Incoming-Call and Ongoing-Call
// screens. Controllers subscribe to signaling events, drive the media
// session and publish a View for the UI layer to draw. They never render
// anything themselves.
package screen

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/media"
)

var log = logging.Logger("screen")

// Route names a screen.
type Route string

const (
	RouteIncoming Route = "incoming"
	RouteOngoing  Route = "ongoing"
)

// Status is what the call screen currently shows.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusCalling    Status = "calling"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDeclined   Status = "declined"
	StatusFailed     Status = "failed"
	StatusEnded      Status = "ended"
)

// IncomingParams are the navigation parameters of the Incoming screen.
type IncomingParams struct {
	CallID   string                    `json:"callId"`
	Caller   call.PeerUser             `json:"caller"`
	CallType call.Type                 `json:"callType"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

// OngoingParams are the navigation parameters of the Ongoing screen. Offer
// is set for answered incoming calls only.
type OngoingParams struct {
	CallID     string                     `json:"callId"`
	CallType   call.Type                  `json:"callType"`
	IsOutgoing bool                       `json:"isOutgoing"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	OtherUser  call.PeerUser              `json:"otherUser"`
}

// View is a snapshot of everything the UI layer needs to draw a call screen.
type View struct {
	Screen   Route         `json:"screen"`
	CallID   string        `json:"callId"`
	CallType call.Type     `json:"callType"`
	Peer     call.PeerUser `json:"peer"`
	Outgoing bool          `json:"outgoing"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`

	// Incoming only.
	Pulse bool `json:"pulse,omitempty"`

	// Ongoing only.
	Duration    int  `json:"duration"`
	Muted       bool `json:"muted"`
	VideoOff    bool `json:"videoOff"`
	Speaker     bool `json:"speaker"`
	RemoteVideo bool `json:"remoteVideo"`
}

// Renderer receives every view change. Implementations must not block.
type Renderer func(View)

// Navigator moves between screens. Replace swaps the current screen for the
// Ongoing screen without stacking it; Back pops the current screen.
type Navigator interface {
	Replace(p OngoingParams)
	Back()
}

// Ringer plays the ringtone and vibration loop. Both methods are idempotent.
type Ringer interface {
	Start()
	Stop()
}

// Signaling is the part of *call.Client the screens use.
type Signaling interface {
	On(kind call.EventKind, h call.Handler) call.Subscription
	RemoveListener(s call.Subscription)
	AcceptCall(ctx context.Context, callID string, t call.Type) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	SendOffer(ctx context.Context, callID string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, callID string, answer webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, callID string, c webrtc.ICECandidateInit) error
	TakeCandidates(callID string) []webrtc.ICECandidateInit
	Fail(ctx context.Context, callID string, cause error)
}

// MediaSession is the part of *media.Handle the Ongoing screen uses.
type MediaSession interface {
	AcquireLocalStream(ctx context.Context, wantsVideo bool) (*media.LocalStream, error)
	InitializeConnection(onCandidate func(webrtc.ICECandidateInit), onRemote func(*media.RemoteStream)) error
	AttachLocalTracks() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyRemoteDescription(d webrtc.SessionDescription) error
	ApplyRemoteICECandidate(c webrtc.ICECandidateInit) error
	ToggleMute() bool
	ToggleVideo() bool
	SetSpeaker(on bool) bool
	SwitchCamera() error
	IsConnected() bool
	Release()
}

var (
	_ Signaling    = (*call.Client)(nil)
	_ MediaSession = (*media.Handle)(nil)
)

// failureMessage turns a setup error into the status line shown to the user.
func failureMessage(err error) string {
	var acq *media.MediaAcquisitionError
	if errors.As(err, &acq) {
		switch acq.Reason {
		case media.ReasonPermissionDenied:
			return "Call failed: camera or microphone access denied"
		case media.ReasonNoDevice:
			return "Call failed: no microphone found"
		}
	}
	var sig *call.SignalingError
	if errors.As(err, &sig) {
		return "Call failed: could not reach the other side"
	}
	return "Call failed"
}
