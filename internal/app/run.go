package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/auth"
	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/config"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/storage"
	"github.com/petervdpas/callkit/internal/transport"
	"github.com/petervdpas/callkit/internal/util"
	"github.com/petervdpas/callkit/internal/viewer"
)

var log = logging.Logger("app")

// pruneInterval is how often call history older than the retention window
// is dropped.
const pruneInterval = 6 * time.Hour

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	// Env holds the CALLKIT_* overrides applied to Cfg. They are re-applied
	// whenever the config file is reloaded.
	Env map[string]string
	// Devices overrides the platform capture backend.
	Devices media.Devices
	// Ready is called with the call API URL once the HTTP listener is up.
	Ready func(url string)
}

// Transport is a signaling transport the app owns.
type Transport interface {
	call.Transport
	Close() error
}

// Run starts one call endpoint and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(cfg.Log.Buffer)
	stopLogs, err := SetupLogging(cfg.Log, logBuf)
	if err != nil {
		return err
	}
	defer stopLogs()

	logBanner(opt.Dir, opt.CfgPath)

	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.Dir))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	go pruneHistory(ctx, db, cfg.Storage.HistoryDays)

	tr, self, err := OpenTransport(ctx, opt.Dir, cfg)
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer tr.Close()
	log.Infof("signed in as %s (%s) over %s", self.ID, self.DisplayName, cfg.Signaling.Transport)

	devs := opt.Devices
	if devs == nil {
		devs, err = media.NewPlatformDevices()
		if err != nil {
			return fmt.Errorf("media devices: %w", err)
		}
	}
	conn, err := media.NewPionConnector(devs)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	mgr := media.NewManager(devs, conn, MediaConfig(cfg.Media))

	client := call.New(tr, self,
		call.WithRecorder(db),
		call.WithRingTimeout(cfg.RingTimeout()),
		call.WithDialTimeout(cfg.DialTimeout()),
	)
	hub := viewer.NewHub()
	host := NewHost(client, mgr, hub, HostOptions{DismissDelay: cfg.DismissDelay()})
	defer host.Close()

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			if err := next.ApplyEnv(opt.Env); err != nil {
				log.Warnf("config reload: %v", err)
				return
			}
			client.SetTimeouts(next.RingTimeout(), next.DialTimeout())
			host.SetDismissDelay(next.DismissDelay())
			mgr.SetConfig(MediaConfig(next.Media))
			if lvl := next.Log.Level; lvl != "" && lvl != cfg.Log.Level {
				if err := setLevel(lvl); err != nil {
					log.Warnf("config reload: %v", err)
				}
			}
			log.Infof("config reloaded from %s", opt.CfgPath)
		})
		if err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	addr, url, tcpAddr := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	v := viewer.Viewer{Calls: host, History: db, Logs: logBuf}

	errCh := make(chan error, 1)
	go func() { errCh <- viewer.Start(ctx, addr, v) }()

	if err := WaitTCP(tcpAddr, util.DefaultConnectTimeout); err != nil {
		select {
		case serveErr := <-errCh:
			return fmt.Errorf("call API: %w", serveErr)
		default:
			return err
		}
	}
	log.Infof("call API: %s", url)
	if opt.Ready != nil {
		opt.Ready(url)
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// OpenTransport connects the configured signaling transport and works out
// who the local user is on it.
func OpenTransport(ctx context.Context, dir string, cfg config.Config) (Transport, call.PeerUser, error) {
	self := call.PeerUser{
		ID:          cfg.Identity.ID,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}

	switch cfg.Signaling.Transport {
	case config.TransportWebSocket:
		if cfg.Signaling.Token != "" {
			id, err := auth.Inspect(cfg.Signaling.Token)
			if err != nil {
				return nil, self, fmt.Errorf("signaling token: %w", err)
			}
			if self.ID == "" {
				self.ID = id.ID
			}
			if self.DisplayName == "" {
				self.DisplayName = id.DisplayName
			}
			if self.AvatarURL == "" {
				self.AvatarURL = id.AvatarURL
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		ws, err := transport.DialWebSocket(dialCtx, transport.WebSocketOptions{
			URL:        cfg.Signaling.URL,
			Token:      cfg.Signaling.Token,
			MaxBackoff: time.Duration(cfg.Signaling.ReconnectMaxSec) * time.Second,
		})
		if err != nil {
			return nil, self, err
		}
		return ws, self, nil

	case config.TransportLibp2p:
		p, err := transport.NewP2P(ctx, transport.P2POptions{
			ListenPort: cfg.Signaling.ListenPort,
			KeyFile:    util.ResolvePath(dir, cfg.Identity.KeyFile),
			Peers:      cfg.Signaling.Peers,
			MDNS:       cfg.Signaling.MDNS,
		})
		if err != nil {
			return nil, self, err
		}
		self.ID = p.ID()
		for _, a := range p.Addrs() {
			log.Infof("listening on %s", a)
		}
		return p, self, nil

	case config.TransportMemory:
		if self.ID == "" {
			return nil, self, errors.New("memory transport needs identity.id")
		}
		log.Warnf("memory transport: calls only reach endpoints in this process")
		return transport.NewNetwork().Join(self.ID), self, nil
	}
	return nil, self, fmt.Errorf("unknown transport %q", cfg.Signaling.Transport)
}

// MediaConfig converts the media section of the config file.
func MediaConfig(m config.Media) media.Config {
	out := media.Config{
		Audio: media.AudioConstraints{
			EchoCancellation: m.Audio.EchoCancellation,
			NoiseSuppression: m.Audio.NoiseSuppression,
			AutoGainControl:  m.Audio.AutoGainControl,
		},
		Video: media.VideoConstraints{
			Width:     m.Video.Width,
			Height:    m.Video.Height,
			FrameRate: float64(m.Video.FrameRate),
			Facing:    media.Facing(m.Video.Facing),
		},
	}
	for _, s := range m.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// SetupLogging configures go-log from cfg and copies every line into buf
// for the /api/logs endpoints. The returned func stops the copy.
func SetupLogging(cfg config.Log, buf io.Writer) (func(), error) {
	lvl, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	format := logging.ColorizedOutput
	switch cfg.Format {
	case "nocolor":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})

	pipe := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	go func() {
		_, _ = io.Copy(buf, pipe)
	}()
	return func() { _ = pipe.Close() }, nil
}

func setLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func pruneHistory(ctx context.Context, db *storage.DB, days int) {
	if days <= 0 {
		return
	}
	prune := func() {
		before := time.Now().AddDate(0, 0, -days)
		n, err := db.PruneCalls(ctx, before)
		if err != nil {
			log.Warnf("prune call history: %v", err)
			return
		}
		if n > 0 {
			log.Infof("pruned %d calls older than %d days", n, days)
		}
	}
	prune()
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
