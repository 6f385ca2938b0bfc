package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

// earlyCandidates keeps the candidates of one not-yet-offered call. The
// caller starts trickling right after creating its offer, so a candidate
// can beat the offer through a relay.
type earlyCandidates struct {
	callID string
	from   string
	cands  []webrtc.ICECandidateInit
}

func (e *earlyCandidates) add(callID, from string, c webrtc.ICECandidateInit) {
	if e.callID != callID || e.from != from {
		*e = earlyCandidates{callID: callID, from: from}
	}
	if len(e.cands) < maxHeldCandidates {
		e.cands = append(e.cands, c)
	}
}

// take returns and forgets the candidates held for callID from peer.
func (e *earlyCandidates) take(callID, from string) []webrtc.ICECandidateInit {
	if e.callID != callID || e.from != from {
		return nil
	}
	cands := e.cands
	*e = earlyCandidates{}
	return cands
}

// dispatchLoop reads signaling messages and timer tasks and processes them
// one at a time.
func (c *Client) dispatchLoop(ch <-chan proto.Message, cancel func()) {
	defer close(c.loopDone)
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case fn := <-c.tasks:
			fn()
		case msg, ok := <-ch:
			if !ok {
				log.Warn("signaling transport closed its inbound channel")
				ch = nil
				continue
			}
			c.dispatch(msg)
		}
	}
}

// dispatch routes one inbound message. Messages for calls other than the
// active one are dropped, except offers, which may start a new session.
func (c *Client) dispatch(msg proto.Message) {
	if msg.CallID == "" {
		log.Debugf("dropping %q without call id from %s", msg.Type, msg.From)
		return
	}
	switch msg.Type {
	case proto.TypeOffer:
		c.handleOffer(msg)
	case proto.TypeAccept:
		c.handleAccept(msg)
	case proto.TypeAnswer:
		c.handleAnswer(msg)
	case proto.TypeCandidate:
		c.handleCandidate(msg)
	case proto.TypeReject:
		c.handleReject(msg)
	case proto.TypeEnd, proto.TypeCancel:
		c.handleEnd(msg)
	default:
		log.Debugf("ignoring signal %q for call %s", msg.Type, msg.CallID)
	}
}

// match returns the active session msg belongs to, or nil.
func (c *Client) match(msg proto.Message) *Session {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil || sess.id != msg.CallID {
		log.Debugf("signal %q for unknown call %s", msg.Type, msg.CallID)
		return nil
	}
	if msg.From != "" && sess.peer.ID != "" && msg.From != sess.peer.ID {
		log.Warnf("signal %q for call %s from %s, expected %s", msg.Type, msg.CallID, msg.From, sess.peer.ID)
		return nil
	}
	return sess
}

func (c *Client) handleOffer(msg proto.Message) {
	if msg.SDP == nil {
		log.Warnf("offer for call %s from %s has no SDP", msg.CallID, msg.From)
		return
	}
	t := Type(msg.CallType)
	if !t.Valid() {
		t = Voice
	}
	now := c.clk.Now()
	caller := peerFromProto(msg.Caller, msg.From)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.active != nil {
		dup := c.active.id == msg.CallID
		c.mu.Unlock()
		if dup {
			log.Debugf("duplicate offer for call %s", msg.CallID)
			return
		}
		// No call waiting: the second caller gets a busy reject.
		busy := newSession(msg.CallID, t, Inbound, caller, now)
		_ = c.finish(busy, "", StateRejected, ReasonBusy)
		log.Infof("busy: rejected call %s from %s", msg.CallID, caller.ID)
		go c.sendBestEffort(proto.Message{Type: proto.TypeReject, CallID: msg.CallID, To: caller.ID, Reason: ReasonBusy})
		return
	}
	sess := newSession(msg.CallID, t, Inbound, caller, now)
	sess.setOffer(*msg.SDP)
	sess.hold(c.early.take(msg.CallID, msg.From)...)
	c.active = sess
	c.armTimerLocked(c.ringTimeout, func() { c.ringExpired(sess) })
	c.mu.Unlock()

	log.Infof("incoming %s call %s from %s", t, sess.id, caller.ID)
	c.emit(IncomingCall{CallID: sess.id, Caller: caller, Type: t, Offer: *msg.SDP})
}

func (c *Client) handleAccept(msg proto.Message) {
	sess := c.match(msg)
	if sess == nil || sess.direction != Outbound {
		return
	}
	c.accepted(sess)
}

// accepted marks an outgoing session answered and publishes Accepted once.
func (c *Client) accepted(sess *Session) {
	if sess.wasAccepted() {
		return
	}
	sess.markAccepted()
	c.mu.Lock()
	if c.active == sess {
		c.stopTimerLocked()
	}
	c.mu.Unlock()
	log.Infof("call %s accepted by %s", sess.id, sess.peer.ID)
	c.emit(Accepted{CallID: sess.id})
}

func (c *Client) handleAnswer(msg proto.Message) {
	sess := c.match(msg)
	if sess == nil || sess.direction != Outbound || msg.SDP == nil {
		return
	}
	// An answer implies acceptance even if the accept frame was lost.
	c.accepted(sess)
	sess.setAnswer(*msg.SDP)
	if err := sess.transition(StateConnected, "", c.clk.Now()); err != nil {
		log.Warnf("answer for call %s: %v", sess.id, err)
		return
	}
	c.emit(RemoteAnswer{CallID: sess.id, Answer: *msg.SDP})
}

func (c *Client) handleCandidate(msg proto.Message) {
	if msg.Candidate == nil {
		return
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || active.id != msg.CallID {
		if msg.From != "" {
			c.early.add(msg.CallID, msg.From, *msg.Candidate)
		}
		return
	}
	sess := c.match(msg)
	if sess == nil || sess.hold(*msg.Candidate) {
		return
	}
	c.emit(RemoteCandidate{CallID: sess.id, Candidate: *msg.Candidate})
}

func (c *Client) handleReject(msg proto.Message) {
	sess := c.match(msg)
	if sess == nil {
		return
	}
	if sess.direction == Inbound {
		// Caller withdrew the offer with a reject; same as a cancel.
		c.handleEnd(msg)
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = ReasonDeclined
	}
	if err := c.finish(sess, "", StateRejected, reason); err != nil {
		log.Debugf("reject for call %s: %v", sess.id, err)
		return
	}
	log.Infof("call %s rejected by %s (%s)", sess.id, sess.peer.ID, reason)
	c.emit(Rejected{CallID: sess.id, Reason: reason})
}

func (c *Client) handleEnd(msg proto.Message) {
	sess := c.match(msg)
	if sess == nil {
		return
	}
	if c.finish(sess, StateRinging, StateEnded, ReasonCanceled) == nil {
		log.Infof("call %s cancelled by %s before answer", sess.id, sess.peer.ID)
		c.emit(Cancelled{CallID: sess.id, Reason: firstNonEmpty(msg.Reason, ReasonCanceled)})
		return
	}
	if err := c.finish(sess, "", StateEnded, ReasonRemote); err != nil {
		log.Debugf("end for call %s: %v", sess.id, err)
		return
	}
	log.Infof("call %s ended by %s", sess.id, sess.peer.ID)
	c.emit(Ended{CallID: sess.id, Reason: firstNonEmpty(msg.Reason, ReasonRemote)})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
