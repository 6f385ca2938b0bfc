package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Handle is the media session of one call. Its operations must be invoked
// in order: AcquireLocalStream, InitializeConnection, AttachLocalTracks, then
// negotiation. Release may be called at any point and more than once.
type Handle struct {
	id   string
	m    *Manager
	devs Devices
	conn Connector
	cfg  Config

	mu         sync.Mutex
	acquiring  bool
	local      *LocalStream
	pc         PeerConnection
	remote     *RemoteStream
	attached   bool
	recvOnly   map[webrtc.RTPCodecType]bool
	remoteDesc *webrtc.SessionDescription
	speaker    bool

	pcState  atomic.Int32
	iceState atomic.Int32
	released atomic.Bool
}

func (h *Handle) ID() string { return h.id }

// AcquireLocalStream opens the microphone, and the camera when wantsVideo is
// set, using the configured constraints.
func (h *Handle) AcquireLocalStream(ctx context.Context, wantsVideo bool) (*LocalStream, error) {
	h.mu.Lock()
	switch {
	case h.released.Load():
		h.mu.Unlock()
		return nil, ErrReleased
	case h.local != nil || h.acquiring:
		h.mu.Unlock()
		return nil, ErrStreamAcquired
	}
	h.acquiring = true
	cons := Constraints{Audio: h.cfg.Audio}
	if wantsVideo {
		v := h.cfg.Video
		cons.Video = &v
	}
	h.mu.Unlock()

	stream, err := h.devs.GetUserMedia(ctx, cons)

	h.mu.Lock()
	h.acquiring = false
	released := h.released.Load()
	if err == nil && !released {
		h.local = stream
	}
	h.mu.Unlock()

	if released {
		// Release left the manager slot to this call.
		if stream != nil {
			stream.stop()
		}
		h.m.released(h)
		return nil, ErrReleased
	}
	if err != nil {
		var mae *MediaAcquisitionError
		if !errors.As(err, &mae) {
			err = &MediaAcquisitionError{Reason: ReasonUnavailable, Err: err}
		}
		log.Warnf("handle %s: %v", h.id, err)
		return nil, err
	}
	log.Infof("handle %s: local stream %s acquired (%d tracks, video=%v)", h.id, stream.ID(), len(stream.tracks), stream.HasVideo())
	return stream, nil
}

// LocalStream returns the acquired stream, if any.
func (h *Handle) LocalStream() (*LocalStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local, h.local != nil
}

// RemoteStream returns the peer's stream once its first track arrived.
func (h *Handle) RemoteStream() (*RemoteStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote, h.remote != nil
}

// InitializeConnection creates the peer connection. onCandidate receives
// every locally gathered candidate and onRemote the remote stream whenever a
// track is added to it. Neither fires after Release.
func (h *Handle) InitializeConnection(onCandidate func(webrtc.ICECandidateInit), onRemote func(*RemoteStream)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released.Load() {
		return ErrReleased
	}
	if h.pc != nil {
		return ErrConnectionExists
	}
	pc, err := h.conn.NewPeerConnection(webrtc.Configuration{ICEServers: h.cfg.ICEServers})
	if err != nil {
		return &NegotiationError{Op: "initialize", Err: err}
	}
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if onCandidate != nil && !h.released.Load() {
			onCandidate(c)
		}
	})
	pc.OnRemoteStream(func(rs *RemoteStream) {
		h.mu.Lock()
		if h.released.Load() {
			h.mu.Unlock()
			return
		}
		h.remote = rs
		h.mu.Unlock()
		if onRemote != nil {
			onRemote(rs)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		h.pcState.Store(int32(s))
		log.Debugf("handle %s: connection %s", h.id, s)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		h.iceState.Store(int32(s))
		log.Debugf("handle %s: ice %s", h.id, s)
	})
	h.pc = pc
	h.recvOnly = make(map[webrtc.RTPCodecType]bool)
	return nil
}

// AttachLocalTracks adds every local track to the connection.
func (h *Handle) AttachLocalTracks() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return err
	}
	if h.local == nil {
		return ErrNoLocalStream
	}
	if h.attached {
		return nil
	}
	for _, t := range h.local.tracks {
		if err := h.pc.AddTrack(t); err != nil {
			return &NegotiationError{Op: "attach " + t.Kind().String(), Err: err}
		}
	}
	h.attached = true
	return nil
}

// CreateOffer builds and applies a local offer. Kinds without a local track
// are still offered receive-only so the peer may send them.
func (h *Handle) CreateOffer() (webrtc.SessionDescription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if h.sendsLocked(kind) || h.recvOnly[kind] {
			continue
		}
		if err := h.pc.AddReceiveOnly(kind); err != nil {
			return webrtc.SessionDescription{}, &NegotiationError{Op: "receive " + kind.String(), Err: err}
		}
		h.recvOnly[kind] = true
	}
	offer, err := h.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create offer", Err: err}
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "set local offer", Err: err}
	}
	return offer, nil
}

// CreateAnswer builds and applies a local answer to the applied remote offer.
func (h *Handle) CreateAnswer() (webrtc.SessionDescription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if h.remoteDesc == nil || h.remoteDesc.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	answer, err := h.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create answer", Err: err}
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "set local answer", Err: err}
	}
	return answer, nil
}

// ApplyRemoteDescription validates and applies the peer's offer or answer.
func (h *Handle) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	if _, err := Summarize(d); err != nil {
		return &NegotiationError{Op: "apply remote " + d.Type.String(), Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return err
	}
	if err := h.pc.SetRemoteDescription(d); err != nil {
		return &NegotiationError{Op: "apply remote " + d.Type.String(), Err: err}
	}
	h.remoteDesc = &d
	return nil
}

// ApplyRemoteICECandidate adds a candidate from the peer. It requires the
// remote description to be applied first.
func (h *Handle) ApplyRemoteICECandidate(c webrtc.ICECandidateInit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.readyLocked(); err != nil {
		return err
	}
	if h.remoteDesc == nil {
		return ErrNoRemoteDescription
	}
	if err := h.pc.AddICECandidate(c); err != nil {
		return &NegotiationError{Op: "add candidate", Err: err}
	}
	return nil
}

// ToggleMute flips the local audio track and reports whether it is now
// muted. Without an audio track it reports false.
func (h *Handle) ToggleMute() bool {
	on, ok := h.toggle(webrtc.RTPCodecTypeAudio)
	return ok && !on
}

// ToggleVideo flips the local video track and reports whether it is now
// off. Without a video track it reports false.
func (h *Handle) ToggleVideo() bool {
	on, ok := h.toggle(webrtc.RTPCodecTypeVideo)
	return ok && !on
}

func (h *Handle) toggle(kind webrtc.RTPCodecType) (enabled, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.local == nil {
		return false, false
	}
	t := h.local.first(kind)
	if t == nil {
		return false, false
	}
	enabled = !t.Enabled()
	t.SetEnabled(enabled)
	log.Debugf("handle %s: %s enabled=%v", h.id, kind, enabled)
	return enabled, true
}

// SetSpeaker routes audio to the loudspeaker or earpiece and returns the
// resulting setting. Without a routable output the flag is only recorded.
func (h *Handle) SetSpeaker(on bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.devs.(AudioRouter); ok {
		if err := r.SetSpeaker(on); err != nil {
			log.Warnf("handle %s: speaker routing: %v", h.id, err)
			return h.speaker
		}
	}
	h.speaker = on
	return h.speaker
}

// SwitchCamera flips the video source. Voice calls and cameras that cannot
// switch are a no-op.
func (h *Handle) SwitchCamera() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.local == nil {
		return nil
	}
	sw, ok := h.local.first(webrtc.RTPCodecTypeVideo).(CameraSwitcher)
	if !ok {
		return nil
	}
	return sw.SwitchCamera()
}

// IsConnected reports whether either the peer connection or ICE reached a
// connected state.
func (h *Handle) IsConnected() bool {
	if webrtc.PeerConnectionState(h.pcState.Load()) == webrtc.PeerConnectionStateConnected {
		return true
	}
	switch webrtc.ICEConnectionState(h.iceState.Load()) {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return true
	}
	return false
}

// Release stops all local tracks and closes the connection. Safe to call
// repeatedly and from any state. While a capture is still opening devices
// the manager keeps the handle live until that capture has been stopped.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	local, pc := h.local, h.pc
	h.local, h.pc, h.remote = nil, nil, nil
	acquiring := h.acquiring
	h.mu.Unlock()

	if local != nil {
		local.stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warnf("handle %s: close connection: %v", h.id, err)
		}
	}
	if !acquiring {
		h.m.released(h)
	}
	log.Debugf("media handle %s released", h.id)
}

// Released reports whether Release has run.
func (h *Handle) Released() bool { return h.released.Load() }

// TrackState describes one local track.
type TrackState struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// Stats is a debugging snapshot of a Handle.
type Stats struct {
	ID         string             `json:"id"`
	Local      []TrackState       `json:"local"`
	Remote     []RemoteTrackStats `json:"remote"`
	Connection string             `json:"connection"`
	ICE        string             `json:"ice"`
	Connected  bool               `json:"connected"`
	Speaker    bool               `json:"speaker"`
	Released   bool               `json:"released"`
}

func (h *Handle) Stats() Stats {
	st := Stats{
		ID:         h.id,
		Connection: webrtc.PeerConnectionState(h.pcState.Load()).String(),
		ICE:        webrtc.ICEConnectionState(h.iceState.Load()).String(),
		Connected:  h.IsConnected(),
		Released:   h.released.Load(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st.Speaker = h.speaker
	if h.local != nil {
		for _, t := range h.local.tracks {
			st.Local = append(st.Local, TrackState{ID: t.ID(), Kind: t.Kind().String(), Enabled: t.Enabled()})
		}
	}
	if h.remote != nil {
		for _, t := range h.remote.Tracks() {
			st.Remote = append(st.Remote, t.Stats())
		}
	}
	return st
}

func (h *Handle) readyLocked() error {
	if h.released.Load() {
		return ErrReleased
	}
	if h.pc == nil {
		return ErrNoConnection
	}
	return nil
}

func (h *Handle) sendsLocked(kind webrtc.RTPCodecType) bool {
	return h.attached && h.local != nil && h.local.first(kind) != nil
}
