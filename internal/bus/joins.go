package bus

import (
	"errors"
	"time"

	"proxchat/internal/protocol"
	"proxchat/internal/session"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// pendingJoin is a join request waiting for the host's answer.
type pendingJoin struct {
	id        string
	name      string
	host      string
	joiner    *client
	handle    string
	requestID string
	done      chan struct{}
}

func (c *client) getHandle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// handleJoin forwards a join request to the session host.
func (s *Server) handleJoin(c *client, msg *protocol.Message) {
	var p protocol.JoinPayload
	msg.Decode(&p)
	c.setHandle(p.Handle)

	ad, ok := s.names.Lookup(p.Name)
	if !ok {
		s.replyError(c, msg.ID, protocol.ErrNoSession, "no session advertised as "+p.Name)
		return
	}
	if ad.Owner == c.id {
		s.replyError(c, msg.ID, protocol.ErrJoinRejected, "cannot join own session")
		return
	}
	host, ok := s.clients.Get(ad.Owner)
	if !ok {
		s.replyError(c, msg.ID, protocol.ErrNoSession, "host unreachable for "+p.Name)
		return
	}

	pj := &pendingJoin{
		id:        uuid.New().String(),
		name:      p.Name,
		host:      host.id,
		joiner:    c,
		handle:    lo.Ternary(p.Handle != "", p.Handle, c.getHandle()),
		requestID: msg.ID,
		done:      make(chan struct{}),
	}
	s.joins.Set(pj.id, pj)
	go s.expireJoin(pj)

	s.sendTo(host, protocol.TypeSessionJoinRequest, protocol.JoinRequestPayload{
		JoinID: pj.id,
		Name:   pj.name,
		PeerID: c.id,
		Handle: pj.handle,
	})
}

// handleJoinReply settles a pending join with the host's decision.
func (s *Server) handleJoinReply(c *client, msg *protocol.Message) {
	var p protocol.JoinReplyPayload
	msg.Decode(&p)

	pj, ok := s.joins.Get(p.JoinID)
	if !ok {
		s.replyError(c, msg.ID, protocol.ErrNoSession, "no pending join "+p.JoinID)
		return
	}
	if pj.host != c.id {
		s.replyError(c, msg.ID, protocol.ErrNotOwner, "join "+p.JoinID+" belongs to another host")
		return
	}

	s.settleJoin(p.JoinID, p.Accept, "host declined")
	s.ack(c, msg.ID)
}

// expireJoin rejects the join if the host has not answered in time.
func (s *Server) expireJoin(pj *pendingJoin) {
	timer := time.NewTimer(s.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.settleJoin(pj.id, false, "host did not answer")
	case <-pj.done:
	}
}

// settleJoin completes a pending join exactly once.
func (s *Server) settleJoin(joinID string, accept bool, reason string) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.settleJoinLocked(joinID, accept, reason)
}

// withdrawJoins rejects joinerID's pending joins to name and reports whether
// there were any. Callers hold s.joinMu.
func (s *Server) withdrawJoins(joinerID, name string) bool {
	withdrawn := false
	for id, pj := range s.joins.Items() {
		if pj.joiner.id == joinerID && pj.name == name {
			s.settleJoinLocked(id, false, "joiner withdrew")
			withdrawn = true
		}
	}
	return withdrawn
}

func (s *Server) settleJoinLocked(joinID string, accept bool, reason string) {
	pj, ok := s.joins.Pop(joinID)
	if !ok {
		return
	}
	close(pj.done)

	if !accept {
		s.replyError(pj.joiner, pj.requestID, protocol.ErrJoinRejected, reason)
		s.log.Info("join rejected", zap.String("name", pj.name), zap.String("peer", pj.joiner.id), zap.String("reason", reason))
		return
	}

	existing, err := s.sessions.Join(pj.name, session.Member{PeerID: pj.joiner.id, Handle: pj.handle})
	if err != nil {
		code := protocol.ErrNoSession
		if errors.Is(err, session.ErrAlreadyMember) {
			code = protocol.ErrJoinRejected
		}
		s.replyError(pj.joiner, pj.requestID, code, err.Error())
		return
	}
	if pj.joiner.isClosed() {
		// Joiner left while the host was deciding.
		s.leave(pj.joiner, pj.name)
		return
	}

	reply, _ := protocol.NewReply(pj.requestID, protocol.TypeSessionJoined, protocol.SessionJoinedPayload{
		Name:    pj.name,
		Host:    pj.host,
		Members: lo.Map(existing, func(m session.Member, _ int) string { return m.PeerID }),
	})
	s.write(pj.joiner, reply)

	joined := protocol.MemberPayload{Name: pj.name, PeerID: pj.joiner.id, Handle: pj.handle}
	for _, m := range existing {
		s.sendToPeer(m.PeerID, protocol.TypeSessionMemberJoined, joined)
	}
	s.log.Info("peer joined session", zap.String("name", pj.name), zap.String("peer", pj.joiner.id))
}

// abandonJoins rejects pending joins that involve a departed peer.
func (s *Server) abandonJoins(peerID string) {
	for id, pj := range s.joins.Items() {
		if pj.host == peerID || pj.joiner.id == peerID {
			s.settleJoin(id, false, "peer left the bus")
		}
	}
}
