// Package bus implements the rendezvous daemon that chat peers connect to.
// It owns the advertised-name table, brokers session joins and relays chat lines.
package bus

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"proxchat/internal/protocol"
	"proxchat/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxFrameSize  = 64 * 1024

	defaultJoinTimeout = 10 * time.Second
	defaultSendBuffer  = 256
)

var (
	errPeerClosed   = errors.New("peer closed")
	errPeerBackedUp = errors.New("peer send buffer full")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NamePolicy decides which names may not be advertised.
type NamePolicy interface {
	IsReserved(name string) bool
}

// Options tunes the bus.
type Options struct {
	// JoinTimeout bounds how long a host may take to answer a join request.
	JoinTimeout time.Duration
	// MaxPeers caps concurrent connections; zero means unlimited.
	MaxPeers int
	// SendBuffer is the per-peer outbound queue length.
	SendBuffer int
}

// Server manages peer connections and routes frames between them,
// the name table and the session manager.
type Server struct {
	log      *zap.Logger
	opts     Options
	sessions *session.Manager
	policy   NamePolicy
	names    *NameTable
	clients  cmap.ConcurrentMap[string, *client]
	joins    cmap.ConcurrentMap[string, *pendingJoin]

	// nameMu orders advertise and cancel so found/lost notices match the table.
	nameMu sync.Mutex
	// joinMu orders join settlement against a joiner's leave.
	joinMu sync.Mutex
}

type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
	handle string
	finds  []string
}

// New creates a bus server. policy may be nil.
func New(log *zap.Logger, sessions *session.Manager, policy NamePolicy, opts Options) *Server {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Server{
		log:      log,
		opts:     opts,
		sessions: sessions,
		policy:   policy,
		names:    NewNameTable(),
		clients:  cmap.New[*client](),
		joins:    cmap.New[*pendingJoin](),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/bus", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /names", s.handleListNames)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{name}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{name}/history", s.handleSessionHistory)
	mux.HandleFunc("DELETE /sessions/{name}", s.handleDissolveSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection and registers the peer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxPeers > 0 && s.clients.Count() >= s.opts.MaxPeers {
		http.Error(w, `{"error":"bus is full"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, s.opts.SendBuffer),
		server: s,
	}
	s.clients.Set(c.id, c)
	s.log.Info("peer connected", zap.String("peer", c.id), zap.String("remote", r.RemoteAddr))

	s.sendTo(c, protocol.TypeBusWelcome, protocol.WelcomePayload{PeerID: c.id})

	go c.writePump()
	go c.readPump()
}

// readPump reads frames from the connection until it fails.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read error", zap.String("peer", c.id), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, frame)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame without blocking; frames for a full or closed peer are dropped.
func (c *client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errPeerClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errPeerBackedUp
	}
}

// close stops the write pump once.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) setHandle(handle string) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
}

func (c *client) addFind(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.finds {
		if p == prefix {
			return
		}
	}
	c.finds = append(c.finds, prefix)
}

func (c *client) finding(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.finds {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// removeClient withdraws everything a departing peer owned.
func (s *Server) removeClient(c *client) {
	s.clients.Remove(c.id)
	c.close()

	s.nameMu.Lock()
	for _, ad := range s.names.RemoveOwner(c.id) {
		s.dissolve(ad.Name, "host left the bus")
		s.notifyLost(ad.Name)
	}
	s.nameMu.Unlock()
	for _, name := range s.sessions.MemberOf(c.id) {
		s.leave(c, name)
	}
	s.abandonJoins(c.id)

	s.log.Info("peer disconnected", zap.String("peer", c.id))
}

// Shutdown disconnects every peer and dissolves all sessions.
func (s *Server) Shutdown() {
	for _, c := range s.clients.Items() {
		c.close()
	}
	for _, key := range s.joins.Keys() {
		if pj, ok := s.joins.Pop(key); ok {
			close(pj.done)
		}
	}
	n := s.sessions.Shutdown()
	s.log.Info("bus stopped", zap.Int("sessions", n))
}

// handleMessage validates and dispatches a peer frame.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		var replyTo string
		var envelope protocol.Message
		if json.Unmarshal(raw, &envelope) == nil {
			replyTo = envelope.ID
		}
		s.replyError(c, replyTo, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeNameAdvertise:
		s.handleAdvertise(c, msg)
	case protocol.TypeNameCancel:
		s.handleCancel(c, msg)
	case protocol.TypeNameFind:
		s.handleFind(c, msg)
	case protocol.TypeSessionJoin:
		s.handleJoin(c, msg)
	case protocol.TypeSessionJoinReply:
		s.handleJoinReply(c, msg)
	case protocol.TypeSessionLeave:
		s.handleLeave(c, msg)
	case protocol.TypeChatSend:
		s.handleChatSend(c, msg)
	}
}

func (s *Server) handleAdvertise(c *client, msg *protocol.Message) {
	var p protocol.AdvertisePayload
	msg.Decode(&p)
	c.setHandle(p.Handle)

	if s.policy != nil && s.policy.IsReserved(p.Name) {
		s.replyError(c, msg.ID, protocol.ErrNameRejected, "name is reserved: "+p.Name)
		return
	}

	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	ad := Advertisement{Name: p.Name, Interface: p.Interface, Path: p.Path, Owner: c.id}
	if err := s.names.Advertise(ad); err != nil {
		s.replyError(c, msg.ID, protocol.ErrNameExists, err.Error()+": "+p.Name)
		return
	}

	if _, err := s.sessions.Create(p.Name, p.Interface, p.Path, session.Member{PeerID: c.id, Handle: p.Handle}); err != nil {
		s.names.Cancel(p.Name, c.id)
		s.replyError(c, msg.ID, protocol.ErrNameRejected, err.Error())
		return
	}

	s.ack(c, msg.ID)
	s.log.Info("name advertised", zap.String("name", p.Name), zap.String("peer", c.id))
	s.notifyFound(ad)
}

func (s *Server) handleCancel(c *client, msg *protocol.Message) {
	var p protocol.NamePayload
	msg.Decode(&p)

	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	if _, err := s.names.Cancel(p.Name, c.id); err != nil {
		code := protocol.ErrNotOwner
		if errors.Is(err, ErrNameNotFound) {
			code = protocol.ErrNoSession
		}
		s.replyError(c, msg.ID, code, err.Error()+": "+p.Name)
		return
	}

	s.dissolve(p.Name, "host cancelled the session")
	s.ack(c, msg.ID)
	s.notifyLost(p.Name)
}

func (s *Server) handleFind(c *client, msg *protocol.Message) {
	var p protocol.FindPayload
	msg.Decode(&p)

	c.addFind(p.Prefix)
	s.ack(c, msg.ID)

	for _, ad := range s.names.Match(p.Prefix) {
		s.sendTo(c, protocol.TypeNameFound, foundPayload(ad))
	}
}

// handleLeave takes c out of a joined session and withdraws any join to it
// still waiting on the host.
func (s *Server) handleLeave(c *client, msg *protocol.Message) {
	var p protocol.NamePayload
	msg.Decode(&p)

	s.joinMu.Lock()
	withdrawn := s.withdrawJoins(c.id, p.Name)
	err := s.leave(c, p.Name)
	s.joinMu.Unlock()

	if err != nil && !withdrawn {
		s.replyError(c, msg.ID, sessionErrorCode(err), err.Error())
		return
	}
	s.ack(c, msg.ID)
}

func (s *Server) handleChatSend(c *client, msg *protocol.Message) {
	var p protocol.ChatSendPayload
	msg.Decode(&p)

	event, recipients, err := s.sessions.Post(p.Session, c.id, p.Text)
	if err != nil {
		s.replyError(c, msg.ID, sessionErrorCode(err), err.Error())
		return
	}

	out := protocol.ChatMessagePayload{
		Session: event.Session,
		From:    event.From,
		Handle:  event.Handle,
		Text:    event.Text,
	}
	for _, m := range recipients {
		s.sendToPeer(m.PeerID, protocol.TypeChatMessage, out)
	}
}

// leave removes c from a joined session and tells the remaining members.
func (s *Server) leave(c *client, name string) error {
	left, remaining, err := s.sessions.Leave(name, c.id)
	if err != nil {
		return err
	}
	payload := protocol.MemberPayload{Name: name, PeerID: left.PeerID, Handle: left.Handle}
	for _, m := range remaining {
		s.sendToPeer(m.PeerID, protocol.TypeSessionMemberLeft, payload)
	}
	return nil
}

// dissolve closes a hosted session and tells its members it is gone.
func (s *Server) dissolve(name, reason string) {
	members, err := s.sessions.Dissolve(name)
	if err != nil {
		return
	}
	for _, m := range members {
		s.sendToPeer(m.PeerID, protocol.TypeSessionLost, protocol.SessionLostPayload{Name: name, Reason: reason})
	}
	s.log.Info("session dissolved", zap.String("name", name), zap.String("reason", reason))
}

func (s *Server) notifyFound(ad Advertisement) {
	payload := foundPayload(ad)
	for _, c := range s.clients.Items() {
		if c.finding(ad.Name) {
			s.sendTo(c, protocol.TypeNameFound, payload)
		}
	}
}

func (s *Server) notifyLost(name string) {
	for _, c := range s.clients.Items() {
		if c.finding(name) {
			s.sendTo(c, protocol.TypeNameLost, protocol.NameLostPayload{Name: name})
		}
	}
}

func foundPayload(ad Advertisement) protocol.NameFoundPayload {
	return protocol.NameFoundPayload{Name: ad.Name, Interface: ad.Interface, Path: ad.Path, Owner: ad.Owner}
}

func sessionErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrNotMember):
		return protocol.ErrNotMember
	default:
		return protocol.ErrNoSession
	}
}

func (s *Server) sendToPeer(peerID, msgType string, payload interface{}) {
	if c, ok := s.clients.Get(peerID); ok {
		s.sendTo(c, msgType, payload)
	}
}

func (s *Server) sendTo(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("encode frame", zap.String("type", msgType), zap.Error(err))
		return
	}
	s.write(c, msg)
}

func (s *Server) ack(c *client, replyTo string) {
	msg, _ := protocol.NewReply(replyTo, protocol.TypeAck, protocol.AckPayload{})
	s.write(c, msg)
}

func (s *Server) replyError(c *client, replyTo, code, message string) {
	msg, _ := protocol.NewErrorReply(replyTo, code, message)
	s.write(c, msg)
}

func (s *Server) write(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.enqueue(data); errors.Is(err, errPeerBackedUp) {
		s.log.Warn("frame dropped", zap.String("peer", c.id), zap.String("type", msg.Type))
	}
}
