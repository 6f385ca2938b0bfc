package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
)

// Network is an in-process switchboard connecting Memory endpoints by user
// id. It backs tests and the single-binary demo.
type Network struct {
	mu    sync.RWMutex
	peers map[string]*Memory
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Memory)}
}

// Join registers a new endpoint for id, replacing any previous one.
func (n *Network) Join(id string) *Memory {
	m := &Memory{id: id, net: n, in: newFanout()}
	n.mu.Lock()
	old := n.peers[id]
	n.peers[id] = m
	n.mu.Unlock()
	if old != nil {
		old.in.close()
	}
	return m
}

func (n *Network) lookup(id string) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.peers[id]
	return m, ok
}

func (n *Network) leave(m *Memory) {
	n.mu.Lock()
	if n.peers[m.id] == m {
		delete(n.peers, m.id)
	}
	n.mu.Unlock()
}

// Memory is one endpoint on a Network.
type Memory struct {
	id  string
	net *Network
	in  *fanout

	mu     sync.Mutex
	sent   []proto.Message
	closed bool
	fail   error
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Send(ctx context.Context, msg proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if msg.To == "" {
		return ErrNoRecipient
	}
	dst, ok := m.net.lookup(msg.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, msg.To)
	}
	if msg.From == "" {
		msg.From = m.id
	}
	dst.in.publish(msg)
	return nil
}

func (m *Memory) Subscribe() (<-chan proto.Message, func()) {
	return m.in.subscribe()
}

// Inject delivers msg to this endpoint's subscribers as if a peer sent it.
func (m *Memory) Inject(msg proto.Message) {
	m.in.publish(msg)
}

// FailSends makes every subsequent Send return err. Nil restores delivery.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Sent returns every message passed to Send, delivered or not.
func (m *Memory) Sent() []proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proto.Message(nil), m.sent...)
}

// SentTypes lists the Type of every message passed to Send.
func (m *Memory) SentTypes() []string {
	var out []string
	for _, msg := range m.Sent() {
		out = append(out, msg.Type)
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.net.leave(m)
	m.in.close()
	return nil
}
