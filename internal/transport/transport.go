// Package transport carries call signaling messages between peers. Every
// implementation satisfies call.Transport: Send delivers one message to the
// peer named in its To field, Subscribe yields everything addressed to us.
package transport

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/proto"
)

var log = logging.Logger("transport")

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrNoRecipient = errors.New("transport: message has no recipient")
)

// subscriberBuf is the per-subscriber channel capacity.
const subscriberBuf = 64

// fanout delivers inbound messages to every subscriber without blocking the
// reader. A full subscriber loses the message.
type fanout struct {
	mu     sync.RWMutex
	subs   map[chan proto.Message]struct{}
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[chan proto.Message]struct{})}
}

func (f *fanout) subscribe() (<-chan proto.Message, func()) {
	ch := make(chan proto.Message, subscriberBuf)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *fanout) publish(msg proto.Message) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- msg:
		default:
			log.Warnf("subscriber full, dropping %s for call %s", msg.Type, msg.CallID)
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
