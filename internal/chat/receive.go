package chat

import (
	"context"
	"strings"

	"proxchat/internal/protocol"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// readLoop routes replies to their waiting requests and turns the rest into events.
// It is the only producer on l.events.
func (s *Session) readLoop(l *link) {
	defer func() {
		close(l.readDone)
		s.linkLost(l)
		close(l.events)
	}()

	for msg := range l.conn.Receive() {
		if msg.ReplyTo != "" {
			if reply, ok := l.pending.Pop(msg.ReplyTo); ok {
				reply <- msg
				continue
			}
			if msg.Type == protocol.TypeSessionJoined {
				// Admitted after JoinChat gave up.
				var p protocol.SessionJoinedPayload
				if msg.Decode(&p) == nil {
					s.log.Debug("leaving session joined too late", zap.String("session", p.Name))
					go s.abandonJoin(l, p.Name)
				}
				continue
			}
			if be := busError(msg); be != nil {
				s.log.Debug("unsolicited bus error", zap.String("code", be.Code), zap.String("message", be.Message))
			}
			continue
		}
		s.handleEvent(l, msg)
	}
}

func (s *Session) handleEvent(l *link, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeNameFound:
		var p protocol.NameFoundPayload
		if msg.Decode(&p) != nil || !strings.HasPrefix(p.Name, s.cfg.NamePrefix) {
			return
		}
		s.mu.Lock()
		if s.link == l {
			s.discovered[p.Name] = p
			s.wakeDiscovery()
		}
		h := s.controlHandler
		s.mu.Unlock()
		s.emit(l, h, ControlEvent{Kind: NameFound, Session: s.shortName(p.Name), PeerID: p.Owner})

	case protocol.TypeNameLost:
		var p protocol.NameLostPayload
		if msg.Decode(&p) != nil || !strings.HasPrefix(p.Name, s.cfg.NamePrefix) {
			return
		}
		s.mu.Lock()
		if s.link == l {
			delete(s.discovered, p.Name)
			s.wakeDiscovery()
		}
		h := s.controlHandler
		s.mu.Unlock()
		s.emit(l, h, ControlEvent{Kind: NameLost, Session: s.shortName(p.Name)})

	case protocol.TypeSessionJoinRequest:
		var p protocol.JoinRequestPayload
		if msg.Decode(&p) != nil {
			return
		}
		s.mu.RLock()
		policy := s.joinPolicy
		s.mu.RUnlock()
		go s.answerJoin(l, p, policy)

	case protocol.TypeSessionMemberJoined, protocol.TypeSessionMemberLeft:
		var p protocol.MemberPayload
		if msg.Decode(&p) != nil {
			return
		}
		kind := MemberJoined
		if msg.Type == protocol.TypeSessionMemberLeft {
			kind = MemberLeft
		}
		s.mu.RLock()
		ours := s.inSession(l, s.shortName(p.Name))
		h := s.controlHandler
		s.mu.RUnlock()
		if !ours {
			return
		}
		s.emit(l, h, ControlEvent{Kind: kind, Session: s.shortName(p.Name), PeerID: p.PeerID, Handle: p.Handle})

	case protocol.TypeSessionLost:
		var p protocol.SessionLostPayload
		if msg.Decode(&p) != nil {
			return
		}
		name := s.shortName(p.Name)
		s.mu.Lock()
		ours := s.inSession(l, name)
		if ours && s.sessionName == name && (s.state == Hosting || s.state == Joined) {
			s.state = Connected
			s.sessionName = ""
		}
		h := s.controlHandler
		s.mu.Unlock()
		if !ours {
			return
		}
		s.log.Info("session lost", zap.String("session", name), zap.String("reason", p.Reason))
		s.emit(l, h, ControlEvent{Kind: SessionLost, Session: name, Reason: p.Reason})

	case protocol.TypeChatMessage:
		var p protocol.ChatMessagePayload
		if msg.Decode(&p) != nil {
			return
		}
		s.mu.RLock()
		ours := s.inSession(l, s.shortName(p.Session))
		h := s.dataHandler
		s.mu.RUnlock()
		if !ours || h == nil {
			return
		}
		event := DataEvent{
			Session:   s.shortName(p.Session),
			From:      p.From,
			Handle:    p.Handle,
			Text:      p.Text,
			Timestamp: msg.Timestamp,
		}
		l.post(func() { h.OnData(event) })

	case protocol.TypeError:
		var p protocol.ErrorPayload
		msg.Decode(&p)
		s.log.Warn("bus error", zap.String("code", p.Code), zap.String("message", p.Message))
	}
}

// linkLost reverts to Disconnected when the current connection drops on its own.
func (s *Session) linkLost(l *link) {
	s.mu.Lock()
	current := s.link == l
	wasConnecting := s.state == Connecting
	var h ControlHandler
	if current {
		s.link = nil
		s.peerID = ""
		s.sessionName = ""
		s.resetDiscovery()
		if !wasConnecting {
			s.state = Disconnected
			// Disconnect still has to stop its dispatcher.
			s.retired = append(lo.Reject(s.retired, func(r *link, _ int) bool { return r.finished() }), l)
		}
		h = s.controlHandler
	}
	s.mu.Unlock()

	if !current {
		return
	}
	l.conn.Close()
	if wasConnecting {
		// Connect reports the failure itself.
		return
	}
	s.log.Warn("bus connection lost")
	s.emit(l, h, ControlEvent{Kind: BusLost})
}

func (s *Session) answerJoin(l *link, p protocol.JoinRequestPayload, policy func(JoinRequest) bool) {
	req := JoinRequest{Session: s.shortName(p.Name), PeerID: p.PeerID, Handle: p.Handle}
	accept := policy == nil || policy(req)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	reply, err := s.request(ctx, l, protocol.TypeSessionJoinReply, protocol.JoinReplyPayload{JoinID: p.JoinID, Accept: accept})
	if err != nil {
		s.log.Debug("join reply not delivered", zap.String("peer", p.PeerID), zap.Error(err))
		return
	}
	if be := busError(reply); be != nil {
		s.log.Debug("join reply refused", zap.String("peer", p.PeerID), zap.String("code", be.Code))
		return
	}
	s.log.Info("answered join request",
		zap.String("session", req.Session),
		zap.String("peer", p.PeerID),
		zap.Bool("accepted", accept),
	)
}

func (s *Session) emit(l *link, h ControlHandler, event ControlEvent) {
	if h == nil {
		return
	}
	l.post(func() { h.OnControl(event) })
}

func (s *Session) shortName(wellKnown string) string {
	return strings.TrimPrefix(wellKnown, s.cfg.NamePrefix)
}
