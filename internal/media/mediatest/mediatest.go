// Package mediatest provides in-memory Devices and Connector implementations
// for exercising media.Handle and the call screens without hardware.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/media"
)

// Devices hands out fake tracks. Set Err to make capture fail, NoCamera to
// answer video requests with audio only, and Hold to keep GetUserMedia
// waiting until the channel is closed.
type Devices struct {
	mu       sync.Mutex
	Err      error
	RouteErr error
	NoCamera bool
	Hold     chan struct{}
	Requests []media.Constraints
	tracks   []*Track
	speaker  bool
	n        int
}

func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, c)
	hold := d.Hold
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.n++
	tracks := []media.Track{d.newTrack(webrtc.RTPCodecTypeAudio)}
	if c.Video != nil && !d.NoCamera {
		tracks = append(tracks, d.newTrack(webrtc.RTPCodecTypeVideo))
	}
	return media.NewLocalStream(fmt.Sprintf("stream-%d", d.n), tracks...), nil
}

// RequestCount is the number of GetUserMedia calls so far.
func (d *Devices) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

func (d *Devices) newTrack(kind webrtc.RTPCodecType) *Track {
	t := &Track{id: fmt.Sprintf("%s-%d", kind, d.n), kind: kind, enabled: true}
	d.tracks = append(d.tracks, t)
	return t
}

// SetSpeaker records the output route.
func (d *Devices) SetSpeaker(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RouteErr != nil {
		return d.RouteErr
	}
	d.speaker = on
	return nil
}

func (d *Devices) Speaker() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaker
}

// Tracks returns every track ever handed out.
func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.tracks...)
}

// LiveTracks counts tracks that have not been stopped.
func (d *Devices) LiveTracks() int {
	n := 0
	for _, t := range d.Tracks() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// Track is a fake capture track.
type Track struct {
	id   string
	kind webrtc.RTPCodecType

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	switches int
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// SwitchCamera counts switches on video tracks.
func (t *Track) SwitchCamera() error {
	if t.kind != webrtc.RTPCodecTypeVideo {
		return errors.New("not a video track")
	}
	t.mu.Lock()
	t.switches++
	t.mu.Unlock()
	return nil
}

func (t *Track) Switches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.switches
}

// Connector hands out fake peer connections. Set Err to make creation fail.
type Connector struct {
	mu  sync.Mutex
	Err error
	pcs []*PeerConnection
}

func (c *Connector) NewPeerConnection(cfg webrtc.Configuration) (media.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	pc := &PeerConnection{Config: cfg}
	c.pcs = append(c.pcs, pc)
	return pc, nil
}

// Last returns the most recently created connection, or nil.
func (c *Connector) Last() *PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pcs) == 0 {
		return nil
	}
	return c.pcs[len(c.pcs)-1]
}

// PeerConnection records what the Handle does to it and lets tests fire the
// callbacks a real connection would.
type PeerConnection struct {
	Config webrtc.Configuration

	mu         sync.Mutex
	tracks     []media.Track
	recvOnly   []webrtc.RTPCodecType
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool

	OfferErr  error
	AnswerErr error
	RemoteErr error

	onCandidate func(webrtc.ICECandidateInit)
	onRemote    func(*media.RemoteStream)
	onState     func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

func (p *PeerConnection) AddTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *PeerConnection) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvOnly = append(p.recvOnly, kind)
	return nil
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OfferErr != nil {
		return webrtc.SessionDescription{}, p.OfferErr
	}
	var kinds []webrtc.RTPCodecType
	for _, t := range p.tracks {
		kinds = append(kinds, t.Kind())
	}
	kinds = append(kinds, p.recvOnly...)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP(kinds...)}, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AnswerErr != nil {
		return webrtc.SessionDescription{}, p.AnswerErr
	}
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.remote.SDP}, nil
}

func (p *PeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *PeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.remote = &d
	return nil
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnRemoteStream(fn func(*media.RemoteStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// ── Inspection ──────────────────────────────────────────────────────────────

func (p *PeerConnection) Tracks() []media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Track(nil), p.tracks...)
}

func (p *PeerConnection) ReceiveOnly() []webrtc.RTPCodecType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), p.recvOnly...)
}

func (p *PeerConnection) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ── Driving callbacks ───────────────────────────────────────────────────────

// EmitCandidate fires the local candidate callback.
func (p *PeerConnection) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitRemoteStream fires the remote stream callback.
func (p *PeerConnection) EmitRemoteStream(rs *media.RemoteStream) {
	p.mu.Lock()
	fn := p.onRemote
	p.mu.Unlock()
	if fn != nil {
		fn(rs)
	}
}

// SetState fires the connection state callback.
func (p *PeerConnection) SetState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SetICEState fires the ICE state callback.
func (p *PeerConnection) SetICEState(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SDP renders a minimal session description with one section per kind.
func SDP(kinds ...webrtc.RTPCodecType) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	for i, k := range kinds {
		switch k {
		case webrtc.RTPCodecTypeAudio:
			fmt.Fprintf(&b, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=sendrecv\r\na=rtpmap:111 opus/48000/2\r\n", i)
		case webrtc.RTPCodecTypeVideo:
			fmt.Fprintf(&b, "m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=sendrecv\r\na=rtpmap:96 VP8/90000\r\n", i)
		}
	}
	return b.String()
}

// Offer returns an offer carrying audio, plus video when video is set.
func Offer(video bool) webrtc.SessionDescription {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP(kinds...)}
}
