package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the media received from the peer.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*RemoteTrack
}

// NewRemoteStream returns an empty stream with the given id.
func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

// AddTrack registers a received track on the stream. Adding a track id
// twice returns the existing entry.
func (s *RemoteStream) AddTrack(id string, kind webrtc.RTPCodecType, codec string) *RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.id == id {
			return t
		}
	}
	t := &RemoteTrack{id: id, kind: kind, codec: codec}
	s.tracks = append(s.tracks, t)
	return t
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

// HasVideo reports whether the peer sends a video track.
func (s *RemoteStream) HasVideo() bool {
	for _, t := range s.Tracks() {
		if t.kind == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// RemoteTrack counts RTP traffic for one received track.
type RemoteTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	codec string

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
	lastAt  atomic.Int64

	seqMu   sync.Mutex
	seqSeen bool
	lastSeq uint16
}

// RemoteTrackStats is a snapshot of a RemoteTrack.
type RemoteTrackStats struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Codec      string    `json:"codec"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	Lost       uint64    `json:"lost"`
	LastPacket time.Time `json:"last_packet,omitempty"`
}

// Observe accounts one received packet.
func (t *RemoteTrack) Observe(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.lastAt.Store(time.Now().UnixNano())

	t.seqMu.Lock()
	if t.seqSeen {
		// uint16 arithmetic handles wraparound; large gaps are reordering.
		if gap := pkt.SequenceNumber - t.lastSeq; gap > 1 && gap < 1<<15 {
			t.lost.Add(uint64(gap - 1))
		}
	}
	if !t.seqSeen || pkt.SequenceNumber-t.lastSeq < 1<<15 {
		t.lastSeq = pkt.SequenceNumber
	}
	t.seqSeen = true
	t.seqMu.Unlock()
}

func (t *RemoteTrack) Stats() RemoteTrackStats {
	st := RemoteTrackStats{
		ID:      t.id,
		Kind:    t.kind.String(),
		Codec:   t.codec,
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
		Lost:    t.lost.Load(),
	}
	if ns := t.lastAt.Load(); ns > 0 {
		st.LastPacket = time.Unix(0, ns)
	}
	return st
}
