package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/callkit/internal/util"
)

// Signaling transports.
const (
	TransportWebSocket = "websocket"
	TransportLibp2p    = "libp2p"
	TransportMemory    = "memory"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

// Identity is the local user. With the websocket transport an empty ID is
// taken from the signaling token; with libp2p the peer id is the user id.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	KeyFile     string `json:"key_file"`
}

type Signaling struct {
	Transport string `json:"transport"`

	// websocket
	URL             string `json:"url"`
	Token           string `json:"token"`
	ReconnectMaxSec int    `json:"reconnect_max_seconds"`

	// libp2p
	ListenPort int      `json:"listen_port"`
	Peers      []string `json:"peers"`
	MDNS       bool     `json:"mdns"`

	// Secret used by "callkit relay" to verify tokens and by "callkit token"
	// to mint them.
	RelaySecret string `json:"relay_secret"`
	RelayAddr   string `json:"relay_addr"`
}

type Call struct {
	// 0 disables the limit.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	DialTimeoutSec int `json:"dial_timeout_seconds"`
	// Delay before a declined or failed call screen closes.
	DismissDelayMs int `json:"dismiss_delay_ms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Media struct {
	ICEServers []ICEServer `json:"ice_servers"`
	Audio      Audio       `json:"audio"`
	Video      Video       `json:"video"`
}

type Audio struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

type Video struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"frame_rate"`
	Facing    string `json:"facing"`
}

type Storage struct {
	Dir         string `json:"dir"`
	HistoryDays int    `json:"history_days"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	// Entries kept for /api/logs. Zero means the viewer default.
	Buffer int `json:"buffer"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Transport:       TransportWebSocket,
			URL:             "ws://127.0.0.1:8791/signal",
			ReconnectMaxSec: 30,
			RelayAddr:       "127.0.0.1:8791",
		},
		Call: Call{
			RingTimeoutSec: 45,
			DialTimeoutSec: 60,
			DismissDelayMs: 2000,
		},
		Media: Media{
			ICEServers: []ICEServer{{URLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			}}},
			Audio: Audio{
				EchoCancellation: true,
				NoiseSuppression: true,
				AutoGainControl:  true,
			},
			Video: Video{
				Width:     1280,
				Height:    720,
				FrameRate: 30,
				Facing:    "user",
			},
		},
		Storage: Storage{
			Dir:         "data",
			HistoryDays: 90,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
			Buffer: 800,
		},
	}
}

func (c *Config) Validate() error {
	if c.Identity.ID != "" {
		if _, err := util.ValidateUserID(c.Identity.ID); err != nil {
			return fmt.Errorf("identity.id: %w", err)
		}
	}

	switch c.Signaling.Transport {
	case TransportWebSocket:
		if err := validateSignalURL(c.Signaling.URL); err != nil {
			return fmt.Errorf("signaling.url: %w", err)
		}
		if c.Identity.ID == "" && c.Signaling.Token == "" {
			return errors.New("identity.id or signaling.token is required for the websocket transport")
		}
		if c.Signaling.ReconnectMaxSec < 1 {
			return errors.New("signaling.reconnect_max_seconds must be >= 1")
		}
	case TransportLibp2p:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the libp2p transport")
		}
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("signaling.transport must be %s, %s or %s", TransportWebSocket, TransportLibp2p, TransportMemory)
	}

	if c.Call.RingTimeoutSec < 0 || c.Call.DialTimeoutSec < 0 {
		return errors.New("call timeouts must be >= 0")
	}
	if c.Call.DismissDelayMs < 0 || c.Call.DismissDelayMs > 60_000 {
		return errors.New("call.dismiss_delay_ms must be 0..60000")
	}

	for i, s := range c.Media.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("media.ice_servers[%d] has no urls", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("media.ice_servers[%d]: %q is not a stun/turn url", i, u)
			}
		}
	}
	if v := c.Media.Video; v.Width <= 0 || v.Height <= 0 || v.FrameRate <= 0 {
		return errors.New("media.video width, height and frame_rate must be > 0")
	}
	if f := c.Media.Video.Facing; f != "user" && f != "environment" {
		return errors.New(`media.video.facing must be "user" or "environment"`)
	}

	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	if c.Storage.HistoryDays < 0 {
		return errors.New("storage.history_days must be >= 0")
	}

	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	switch c.Log.Format {
	case "color", "nocolor", "json":
	default:
		return errors.New(`log.format must be "color", "nocolor" or "json"`)
	}
	if c.Log.Buffer < 0 {
		return errors.New("log.buffer must be >= 0")
	}
	return nil
}

func validateSignalURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	return nil
}

// RingTimeout is how long an incoming call rings.
func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// DialTimeout is how long an outgoing call waits for an answer.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Call.DialTimeoutSec) * time.Second
}

// DismissDelay is how long a declined or failed call screen stays up.
func (c Config) DismissDelay() time.Duration {
	return time.Duration(c.Call.DismissDelayMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads path over the defaults without validating.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// The default is written unvalidated since it has no identity yet.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
