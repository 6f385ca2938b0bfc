// Package proto holds the signaling wire format shared by every transport.
package proto

import (
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// libp2p stream protocol ID for direct call signaling
	SignalProtoID = "/callkit/signal/1.0.0"

	// Sub-protocol requested on the WebSocket signaling connection
	WebSocketSubprotocol = "callkit.signal.v1"
)

// Message types on the wire.
const (
	TypeOffer     = "call:offer"     // caller → callee, rings the callee
	TypeAccept    = "call:accept"    // callee → caller
	TypeAnswer    = "call:answer"    // callee → caller, SDP answer
	TypeCandidate = "call:candidate" // either direction, trickled ICE
	TypeReject    = "call:reject"    // callee → caller
	TypeEnd       = "call:end"       // either direction
	TypeCancel    = "call:cancel"    // caller → callee, hung up before answer
	TypeAck       = "ack"            // transport ACK (libp2p only)
)

// Peer describes a call participant as shown to the other side.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is one signaling frame.
type Message struct {
	Type      string                     `json:"type"`
	ID        string                     `json:"id,omitempty"` // uuid, used for ACKs
	CallID    string                     `json:"callId"`
	CallType  string                     `json:"callType,omitempty"`
	From      string                     `json:"from,omitempty"`
	To        string                     `json:"to,omitempty"`
	Caller    *Peer                      `json:"caller,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	TS        int64                      `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
