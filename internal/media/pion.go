package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// keyframeInterval is how often a picture loss indication is sent for each
// received video track.
const keyframeInterval = 3 * time.Second

// CodecRegistrar is implemented by Devices whose encoders decide the codecs
// offered on the wire.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// PionConnector builds peer connections on a shared pion API.
type PionConnector struct {
	api *webrtc.API
}

// NewPionConnector registers the codecs of devs (or pion's defaults), the
// default interceptors and relaxed ICE timeouts.
func NewPionConnector(devs Devices) (*PionConnector, error) {
	me := &webrtc.MediaEngine{}
	if reg, ok := devs.(CodecRegistrar); ok {
		if err := reg.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A short relay outage must not drop the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return &PionConnector{api: webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)}, nil
}

func (c *PionConnector) NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &pionPC{
		pc:      pc,
		streams: make(map[string]*RemoteStream),
		done:    make(chan struct{}),
	}
	pc.OnTrack(p.handleTrack)
	return p, nil
}

type pionPC struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	streams  map[string]*RemoteStream
	onRemote func(*RemoteStream)

	done      chan struct{}
	closeOnce sync.Once
}

func (p *pionPC) AddTrack(t Track) error {
	src, ok := t.(LocalSource)
	if !ok {
		return fmt.Errorf("track %s (%s) has no pion source", t.ID(), t.Kind())
	}
	sender, err := p.pc.AddTrack(src.TrackLocal())
	if err != nil {
		return err
	}
	src.BindSender(sender)
	go drainRTCP(sender)
	return nil
}

// drainRTCP reads the sender's RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPC) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPC) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPC) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPC) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPC) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPC) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPC) OnRemoteStream(fn func(*RemoteStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *pionPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPC) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.pc.Close()
}

func (p *pionPC) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	rs, ok := p.streams[track.StreamID()]
	if !ok {
		rs = NewRemoteStream(track.StreamID())
		p.streams[track.StreamID()] = rs
	}
	rt := rs.AddTrack(track.ID(), track.Kind(), track.Codec().MimeType)
	fn := p.onRemote
	p.mu.Unlock()

	log.Infof("remote %s track %s (%s) on stream %s", track.Kind(), track.ID(), track.Codec().MimeType, rs.ID())

	go p.readTrack(track, rt)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(track)
	}
	if fn != nil {
		fn(rs)
	}
}

func (p *pionPC) readTrack(track *webrtc.TrackRemote, rt *RemoteTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debugf("remote track %s: %v", track.ID(), err)
			return
		}
		rt.Observe(pkt)
	}
}

// requestKeyframes sends periodic PLIs so the decoder recovers from loss.
func (p *pionPC) requestKeyframes(track *webrtc.TrackRemote) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := p.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				log.Debugf("pli for track %s: %v", track.ID(), err)
				return
			}
		}
	}
}
