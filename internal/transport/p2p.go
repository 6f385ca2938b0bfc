package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/callkit/internal/proto"
)

const (
	// ackTimeout bounds how long Send waits for the receiver's ACK.
	ackTimeout = 10 * time.Second

	// mdnsTag is the LAN discovery service name.
	mdnsTag = "callkit-signal"
)

// P2POptions configures a libp2p transport.
type P2POptions struct {
	ListenPort int
	KeyFile    string
	// Peers are multiaddrs ending in /p2p/<peer id> dialed at startup.
	Peers []string
	MDNS  bool
}

// P2P sends each signaling message on its own libp2p stream and waits for a
// transport ACK. The user id of a peer is its libp2p peer id.
type P2P struct {
	host host.Host
	in   *fanout
	mdns mdns.Service
	own  bool
}

// NewP2P starts a libp2p host with a persistent identity key.
func NewP2P(ctx context.Context, opts P2POptions) (*P2P, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: libp2p host: %w", err)
	}
	p := NewP2PWithHost(h)
	p.own = true

	if opts.MDNS {
		p.mdns = mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
		if err := p.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("transport: mdns: %w", err)
		}
	}
	for _, addr := range opts.Peers {
		if err := p.Connect(ctx, addr); err != nil {
			log.Warnf("bootstrap peer %s: %v", addr, err)
		}
	}
	log.Infof("p2p signaling as %s on %v", h.ID(), h.Addrs())
	return p, nil
}

// NewP2PWithHost registers the signaling protocol on an existing host. The
// caller keeps ownership of h.
func NewP2PWithHost(h host.Host) *P2P {
	p := &P2P{host: h, in: newFanout()}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), p.handleIncoming)
	return p
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns peer %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads the identity key from keyFile, creating an Ed25519
// key on first run. An empty keyFile yields an ephemeral key.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err == nil {
			priv, err := crypto.UnmarshalPrivateKey(data)
			if err == nil {
				return priv, false, nil
			}
			log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	if keyFile == "" {
		return priv, true, nil
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// ID is the local peer id, which doubles as the local user id.
func (p *P2P) ID() string { return p.host.ID().String() }

// Addrs returns dialable multiaddrs including the /p2p component.
func (p *P2P) Addrs() []string {
	suffix, err := ma.NewMultiaddr("/p2p/" + p.host.ID().String())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range p.host.Addrs() {
		out = append(out, a.Encapsulate(suffix).String())
	}
	return out
}

// Connect dials a peer given as a full /p2p multiaddr.
func (p *P2P) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	return p.host.Connect(ctx, *ai)
}

func (p *P2P) Send(ctx context.Context, msg proto.Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	pid, err := peer.Decode(msg.To)
	if err != nil {
		return fmt.Errorf("transport: invalid peer id %q: %w", msg.To, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = p.ID()
	}

	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := p.host.NewStream(ctx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("%w: open stream to %s: %v", ErrUnreachable, short(msg.To), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Type, err)
	}

	var ack proto.Message
	if d, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(d)
	}
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("transport: waiting for ack from %s: %w", short(msg.To), err)
	}
	if ack.Type != proto.TypeAck || ack.ID != msg.ID {
		return fmt.Errorf("transport: ack mismatch (got %s %s, want %s)", ack.Type, ack.ID, msg.ID)
	}
	log.Debugf("sent %s for call %s to %s via %s", msg.Type, msg.CallID, short(msg.To), connVia(stream))
	return nil
}

// handleIncoming reads one message, ACKs it and publishes it.
func (p *P2P) handleIncoming(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	var msg proto.Message
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnf("decode from %s: %v", short(remote), err)
		return
	}
	// The authenticated connection decides the sender.
	msg.From = remote

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(proto.Message{Type: proto.TypeAck, ID: msg.ID, TS: proto.NowMillis()}); err != nil {
		log.Warnf("ack to %s: %v", short(remote), err)
	}
	log.Debugf("received %s for call %s from %s via %s", msg.Type, msg.CallID, short(remote), connVia(stream))
	p.in.publish(msg)
}

func (p *P2P) Subscribe() (<-chan proto.Message, func()) {
	return p.in.subscribe()
}

func (p *P2P) Close() error {
	p.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
	p.in.close()
	if p.mdns != nil {
		_ = p.mdns.Close()
	}
	if p.own {
		return p.host.Close()
	}
	return nil
}

// connVia reports "relay" for circuit connections and "direct" otherwise.
func connVia(s network.Stream) string {
	if strings.Contains(s.Conn().RemoteMultiaddr().String(), "/p2p-circuit") {
		return "relay"
	}
	return "direct"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
