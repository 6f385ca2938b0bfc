package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callkit/internal/proto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 120 * time.Second
	pingPeriod = 30 * time.Second
)

// WebSocketOptions configures a WebSocket transport.
type WebSocketOptions struct {
	URL   string
	Token string

	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Dialer *websocket.Dialer
}

// WebSocket is a signaling client connected to a relay. It reconnects with
// exponential backoff until closed.
type WebSocket struct {
	opts WebSocketOptions
	in   *fanout

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket connects to opts.URL and keeps the connection alive in the
// background. The first dial must succeed.
func DialWebSocket(ctx context.Context, opts WebSocketOptions) (*WebSocket, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: websocket url is empty")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		opts.Dialer = &d
	}
	opts.Dialer.Subprotocols = []string{proto.WebSocketSubprotocol}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		opts:   opts,
		in:     newFanout(),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := w.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	w.setConn(conn)
	go w.run(conn)
	return w, nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	if w.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+w.opts.Token)
	}
	conn, resp, err := w.opts.Dialer.DialContext(ctx, w.opts.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", w.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", w.opts.URL, err)
	}
	log.Infof("signaling connected to %s", w.opts.URL)
	return conn, nil
}

func (w *WebSocket) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

// Connected reports whether a relay connection is currently up.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebSocket) run(conn *websocket.Conn) {
	defer close(w.done)
	defer w.in.close()

	delay := w.opts.MinBackoff
	for {
		w.serve(conn)
		w.setConn(nil)
		if w.ctx.Err() != nil {
			return
		}
		for {
			log.Warnf("signaling disconnected, retrying in %s", delay)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			conn, err = w.dial(w.ctx)
			if err == nil {
				delay = w.opts.MinBackoff
				break
			}
			log.Warn(err)
			delay = min(delay*2, w.opts.MaxBackoff)
		}
		w.setConn(conn)
	}
}

// serve reads frames from conn until it fails.
func (w *WebSocket) serve(conn *websocket.Conn) {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go w.ping(conn, stop)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("signaling read: %v", err)
			}
			return
		}
		if msg.Type == "" {
			continue
		}
		w.in.publish(msg)
	}
}

func (w *WebSocket) ping(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-w.ctx.Done():
			return
		case <-t.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, msg proto.Message) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	if msg.To == "" {
		return ErrNoRecipient
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected to relay", ErrUnreachable)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("transport: write %s: %w", msg.Type, err)
	}
	return nil
}

func (w *WebSocket) Subscribe() (<-chan proto.Message, func()) {
	return w.in.subscribe()
}

// Close stops reconnecting and closes the current connection.
func (w *WebSocket) Close() error {
	w.cancel()
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	<-w.done
	return nil
}
