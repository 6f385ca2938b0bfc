package call

import (
	"context"

	"github.com/petervdpas/callkit/internal/proto"
)

// Transport is the only surface the call package needs from the network.
// Implementations live in internal/transport; the client never cares whether
// frames travel over a WebSocket, a libp2p stream or an in-memory pipe.
type Transport interface {
	// Send delivers one message to msg.To. It returns once the transport has
	// handed the frame off (or failed to).
	Send(ctx context.Context, msg proto.Message) error
	// Subscribe returns inbound messages addressed to this peer. cancel
	// closes the channel.
	Subscribe() (ch <-chan proto.Message, cancel func())
}

// Recorder persists terminal sessions. storage.DB satisfies it.
type Recorder interface {
	RecordCall(ctx context.Context, info Info) error
}

// Type is the media kind of a call.
type Type string

const (
	Voice Type = "voice"
	Video Type = "video"
)

// Valid reports whether t is one of the known call types.
func (t Type) Valid() bool { return t == Voice || t == Video }

// Direction tells whether we placed or received the call.
type Direction string

const (
	Inbound  Direction = "incoming"
	Outbound Direction = "outgoing"
)

// PeerUser is the other party of a call.
type PeerUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func peerFromProto(p *proto.Peer, fallbackID string) PeerUser {
	if p == nil {
		return PeerUser{ID: fallbackID}
	}
	u := PeerUser{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	if u.ID == "" {
		u.ID = fallbackID
	}
	return u
}

func (u PeerUser) proto() *proto.Peer {
	return &proto.Peer{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// Reasons attached to terminal transitions.
const (
	ReasonHangup   = "hangup"
	ReasonRemote   = "remote-hangup"
	ReasonCanceled = "cancelled"
	ReasonDeclined = "declined"
	ReasonBusy     = "busy"
	ReasonTimeout  = "timeout"
	ReasonNoAnswer = "no-answer"
	ReasonFailed   = "failed"
	ReasonShutdown = "shutdown"
)
