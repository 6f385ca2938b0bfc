// Package media owns the local capture and the peer connection for the one
// call in progress. A Manager hands out a Handle per call; the Handle drives
// negotiation and is released when the call screen goes away.
package media

import (
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// DefaultSTUN is used when no ICE servers are configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config holds the capture and connectivity settings used by new handles.
type Config struct {
	ICEServers []webrtc.ICEServer
	Audio      AudioConstraints
	Video      VideoConstraints
}

// DefaultConfig returns public STUN servers, processed audio and 720p30
// front-camera video.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{{URLs: DefaultSTUN}},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: VideoConstraints{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
			Facing:    FacingUser,
		},
	}
}

// Manager creates Handles and guarantees at most one is live.
type Manager struct {
	devs Devices
	conn Connector

	mu   sync.Mutex
	cfg  Config
	live *Handle
}

func NewManager(devs Devices, conn Connector, cfg Config) *Manager {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultConfig().ICEServers
	}
	return &Manager{devs: devs, conn: conn, cfg: cfg}
}

// SetConfig applies to handles created afterwards.
func (m *Manager) SetConfig(cfg Config) {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultConfig().ICEServers
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// NewHandle returns a fresh Handle. It fails with ErrHandleBusy while the
// previous handle has not been released.
func (m *Manager) NewHandle() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != nil {
		return nil, ErrHandleBusy
	}
	h := &Handle{
		id:   uuid.NewString(),
		m:    m,
		devs: m.devs,
		conn: m.conn,
		cfg:  m.cfg,
	}
	m.live = h
	log.Debugf("media handle %s created", h.id)
	return h, nil
}

// Live returns the handle currently holding media, if any.
func (m *Manager) Live() (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live, m.live != nil
}

func (m *Manager) released(h *Handle) {
	m.mu.Lock()
	if m.live == h {
		m.live = nil
	}
	m.mu.Unlock()
}
