package transport

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callkit/internal/auth"
	"github.com/petervdpas/callkit/internal/proto"
)

// ReasonOffline is the reject reason the relay sends for an offer whose
// callee is not connected.
const ReasonOffline = "offline"

// Identify maps an upgrade request to the user id it speaks for.
type Identify func(r *http.Request) (string, error)

// BearerIdentity verifies the Authorization bearer token with secret.
func BearerIdentity(secret []byte) Identify {
	return func(r *http.Request) (string, error) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			return "", auth.ErrUnauthorized
		}
		id, err := auth.Verify(secret, tok)
		if err != nil {
			return "", err
		}
		return id.ID, nil
	}
}

// Relay is a signaling server that forwards messages between connected
// WebSocket clients by their To field.
type Relay struct {
	identify Identify
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*relayConn
}

type relayConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *relayConn) write(msg proto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func NewRelay(identify Identify) *Relay {
	return &Relay{
		identify: identify,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{proto.WebSocketSubprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		conns: make(map[string]*relayConn),
	}
}

// Online lists the connected user ids.
func (r *Relay) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id, err := r.identify(req)
	if err != nil || id == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("relay upgrade for %s: %v", id, err)
		return
	}
	rc := &relayConn{id: id, conn: conn}

	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = rc
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	log.Infof("relay: %s connected", id)

	defer func() {
		r.mu.Lock()
		if r.conns[id] == rc {
			delete(r.conns, id)
		}
		r.mu.Unlock()
		_ = conn.Close()
		log.Infof("relay: %s disconnected", id)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		msg.From = id
		r.forward(rc, msg)
	}
}

func (r *Relay) forward(from *relayConn, msg proto.Message) {
	r.mu.RLock()
	dst := r.conns[msg.To]
	r.mu.RUnlock()

	if dst != nil {
		err := dst.write(msg)
		if err == nil {
			return
		}
		log.Warnf("relay: forward %s to %s: %v", msg.Type, msg.To, err)
	}
	if msg.Type != proto.TypeOffer {
		log.Debugf("relay: dropping %s for offline %s", msg.Type, msg.To)
		return
	}
	reply := proto.Message{
		Type:   proto.TypeReject,
		CallID: msg.CallID,
		From:   msg.To,
		To:     from.id,
		Reason: ReasonOffline,
		TS:     proto.NowMillis(),
	}
	if err := from.write(reply); err != nil {
		log.Warnf("relay: offline reply to %s: %v", from.id, err)
	}
}
