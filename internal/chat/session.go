// Package chat is the caller-facing chat session: it connects to a bus,
// hosts or joins a named session, sends chat lines and delivers inbound
// data and control events to registered handlers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"proxchat/internal/protocol"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const eventBuffer = 256

var errLinkClosed = errors.New("bus connection closed")

// Session is one chat participant. Connect, Disconnect, StartChat, JoinChat
// and LeaveChat are serialized; Send may be called concurrently.
// Handlers run on a single dispatch goroutine and must not call the serialized
// operations synchronously.
type Session struct {
	cfg       Config
	transport Transport
	log       *zap.Logger

	opMu sync.Mutex

	mu             sync.RWMutex
	state          State
	sessionName    string
	peerID         string
	link           *link
	retired        []*link // dropped links whose dispatcher may still be running
	claim          string  // session being started or joined
	dataHandler    DataHandler
	controlHandler ControlHandler
	joinPolicy     func(JoinRequest) bool
	discovered     map[string]protocol.NameFoundPayload
	discoveryWake  chan struct{}
}

// link is the state of one bus connection.
type link struct {
	conn     Conn
	pending  cmap.ConcurrentMap[string, chan *protocol.Message]
	events   chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	readDone chan struct{}
}

// NewSession creates a disconnected session. Unset identifiers and timeouts take their defaults.
func NewSession(cfg Config, transport Transport, log *zap.Logger) *Session {
	return &Session{
		cfg:           cfg.withDefaults(),
		transport:     transport,
		log:           log,
		discovered:    make(map[string]protocol.NameFoundPayload),
		discoveryWake: make(chan struct{}),
	}
}

// InterfaceName returns the interface every advertised session carries.
func (s *Session) InterfaceName() string { return s.cfg.InterfaceName }

// NamePrefix returns the prefix that turns a session name into a bus well-known name.
func (s *Session) NamePrefix() string { return s.cfg.NamePrefix }

// ObjectPath returns the object path advertised with hosted sessions.
func (s *Session) ObjectPath() string { return s.cfg.ObjectPath }

// Handle returns the display name sent with joins and chat lines.
func (s *Session) Handle() string { return s.cfg.Handle }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionName returns the hosted or joined session name, or "" outside a session.
func (s *Session) SessionName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionName
}

// PeerID returns the id the bus assigned to this connection.
func (s *Session) PeerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// Discovered returns the names of the sessions currently advertised on the bus.
func (s *Session) Discovered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := lo.FilterMap(lo.Values(s.discovered), func(p protocol.NameFoundPayload, _ int) (string, bool) {
		return strings.TrimPrefix(p.Name, s.cfg.NamePrefix), p.Interface == s.cfg.InterfaceName
	})
	sort.Strings(names)
	return names
}

// RegisterDataCallback sets the handler for inbound chat lines.
func (s *Session) RegisterDataCallback(h DataHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disconnected && s.state != Connected {
		return fmt.Errorf("%w: register data handler while %s", ErrInvalidState, s.state)
	}
	s.dataHandler = h
	return nil
}

// RegisterControlCallback sets the handler for control events.
func (s *Session) RegisterControlCallback(h ControlHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disconnected && s.state != Connected {
		return fmt.Errorf("%w: register control handler while %s", ErrInvalidState, s.state)
	}
	s.controlHandler = h
	return nil
}

// SetJoinPolicy decides which peers may join a hosted session. nil accepts everyone.
func (s *Session) SetJoinPolicy(policy func(JoinRequest) bool) {
	s.mu.Lock()
	s.joinPolicy = policy
	s.mu.Unlock()
}

// Connect dials the bus and starts discovering sessions under the name prefix.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %w: connect while %s", ErrConnection, ErrInvalidState, state)
	}
	s.state = Connecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return err
	}

	var welcome protocol.WelcomePayload
	select {
	case msg, ok := <-conn.Receive():
		if !ok {
			conn.Close()
			return errLinkClosed
		}
		if msg.Type != protocol.TypeBusWelcome {
			conn.Close()
			return fmt.Errorf("expected %s, got %s", protocol.TypeBusWelcome, msg.Type)
		}
		if err := msg.Decode(&welcome); err != nil {
			conn.Close()
			return err
		}
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	l := &link{
		conn:     conn,
		pending:  cmap.New[chan *protocol.Message](),
		events:   make(chan func(), eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.link = l
	s.peerID = welcome.PeerID
	s.resetDiscovery()
	s.mu.Unlock()

	go l.dispatch()
	go s.readLoop(l)

	reply, err := s.request(ctx, l, protocol.TypeNameFind, protocol.FindPayload{Prefix: s.cfg.NamePrefix})
	if err == nil {
		if be := busError(reply); be != nil {
			err = be
		}
	}
	if err != nil {
		s.mu.Lock()
		if s.link == l {
			s.link = nil
			s.peerID = ""
		}
		s.mu.Unlock()
		l.shutdown()
		return fmt.Errorf("start discovery: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l {
		return errLinkClosed
	}
	s.state = Connected
	s.log.Info("connected to bus", zap.String("peer", welcome.PeerID))
	return nil
}

// Disconnect closes the bus connection and any session. It is idempotent and
// returns only after the last handler invocation has finished.
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	l := s.link
	retired := s.retired
	s.link = nil
	s.retired = nil
	s.state = Disconnected
	s.sessionName = ""
	s.claim = ""
	s.peerID = ""
	s.resetDiscovery()
	s.mu.Unlock()

	for _, r := range retired {
		r.shutdown()
	}
	if l != nil {
		l.shutdown()
		s.log.Info("disconnected from bus")
	}
}

// StartChat advertises name and hosts a session under it.
func (s *Session) StartChat(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	l, err := s.linkIn(Connected, "start chat")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	s.setClaim(name)
	defer s.setClaim("")

	reply, err := s.request(ctx, l, protocol.TypeNameAdvertise, protocol.AdvertisePayload{
		Name:      s.cfg.NamePrefix + name,
		Interface: s.cfg.InterfaceName,
		Path:      s.cfg.ObjectPath,
		Handle:    s.cfg.Handle,
	})
	if err != nil {
		return fmt.Errorf("%w: advertise %q: %w", ErrConnection, name, err)
	}
	if be := busError(reply); be != nil {
		return fmt.Errorf("%w: %q: %w", ErrAdvertisement, name, be)
	}

	if err := s.enter(l, Hosting, name); err != nil {
		return err
	}
	s.log.Info("hosting session", zap.String("session", name))
	return nil
}

// JoinChat waits for name to be discovered and asks its host to let this peer in.
func (s *Session) JoinChat(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	l, err := s.linkIn(Connected, "join chat")
	if err != nil {
		return err
	}

	wellKnown := s.cfg.NamePrefix + name
	if err := s.awaitDiscovery(ctx, l, wellKnown); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrSessionNotFound, name, err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	s.setClaim(name)
	defer s.setClaim("")

	reply, err := s.request(joinCtx, l, protocol.TypeSessionJoin, protocol.JoinPayload{Name: wellKnown, Handle: s.cfg.Handle})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.abandonJoin(l, wellKnown)
			return fmt.Errorf("%w: %q: host did not answer", ErrJoinRejected, name)
		}
		return fmt.Errorf("%w: join %q: %w", ErrConnection, name, err)
	}
	if be := busError(reply); be != nil {
		if be.Code == protocol.ErrNoSession {
			return fmt.Errorf("%w: %q: %w", ErrSessionNotFound, name, be)
		}
		return fmt.Errorf("%w: %q: %w", ErrJoinRejected, name, be)
	}
	if reply.Type != protocol.TypeSessionJoined {
		return fmt.Errorf("%w: join %q: unexpected %s", ErrConnection, name, reply.Type)
	}

	if err := s.enter(l, Joined, name); err != nil {
		return err
	}
	s.log.Info("joined session", zap.String("session", name))
	return nil
}

// LeaveChat ends hosting or leaves the joined session and returns to Connected.
func (s *Session) LeaveChat(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state, name, l := s.state, s.sessionName, s.link
	s.mu.RUnlock()

	var msgType string
	switch state {
	case Hosting:
		msgType = protocol.TypeNameCancel
	case Joined:
		msgType = protocol.TypeSessionLeave
	default:
		return ErrNotInSession
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	reply, err := s.request(ctx, l, msgType, protocol.NamePayload{Name: s.cfg.NamePrefix + name})
	if err != nil {
		return fmt.Errorf("%w: leave %q: %w", ErrConnection, name, err)
	}
	if be := busError(reply); be != nil {
		// The bus already dropped the session.
		s.log.Debug("leave refused", zap.String("session", name), zap.String("code", be.Code))
	}

	s.mu.Lock()
	if s.link == l && s.sessionName == name {
		s.state = Connected
		s.sessionName = ""
	}
	s.mu.Unlock()
	s.log.Info("left session", zap.String("session", name))
	return nil
}

// Send relays message to every other participant. Empty messages are dropped.
func (s *Session) Send(ctx context.Context, message string) error {
	if message == "" {
		return nil
	}

	// The read lock is held across the write so Disconnect waits for in-flight sends.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Hosting && s.state != Joined {
		return ErrNotInSession
	}

	msg, err := protocol.NewMessage(protocol.TypeChatSend, protocol.ChatSendPayload{
		Session: s.cfg.NamePrefix + s.sessionName,
		Text:    message,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.link.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send: %w", ErrConnection, err)
	}
	return nil
}

// linkIn returns the current link if the session is in want.
func (s *Session) linkIn(want State, op string) (*link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != want {
		return nil, fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s.state)
	}
	return s.link, nil
}

// enter moves to Hosting or Joined unless the link dropped meanwhile.
func (s *Session) enter(l *link, state State, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link != l {
		return fmt.Errorf("%w: %w", ErrConnection, errLinkClosed)
	}
	s.state = state
	s.sessionName = name
	return nil
}

func (s *Session) setClaim(name string) {
	s.mu.Lock()
	s.claim = name
	s.mu.Unlock()
}

// inSession reports whether session events for name on l belong to this
// participant. Callers hold s.mu.
func (s *Session) inSession(l *link, name string) bool {
	if s.link != l || name == "" {
		return false
	}
	if name == s.claim {
		return true
	}
	return (s.state == Hosting || s.state == Joined) && name == s.sessionName
}

func (s *Session) awaitDiscovery(ctx context.Context, l *link, wellKnown string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()

	for {
		s.mu.RLock()
		p, ok := s.discovered[wellKnown]
		wake := s.discoveryWake
		s.mu.RUnlock()

		if ok && p.Interface == s.cfg.InterfaceName {
			return nil
		}

		select {
		case <-wake:
		case <-l.readDone:
			return errLinkClosed
		case <-ctx.Done():
			return fmt.Errorf("not discovered: %w", ctx.Err())
		}
	}
}

// abandonJoin withdraws a join the caller gave up on, or leaves the session
// if the host admitted this peer after all.
func (s *Session) abandonJoin(l *link, wellKnown string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionLeave, protocol.NamePayload{Name: wellKnown})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	l.conn.Send(ctx, msg)
}

// request sends a frame and waits for the bus to answer it.
func (s *Session) request(ctx context.Context, l *link, msgType string, payload interface{}) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}

	reply := make(chan *protocol.Message, 1)
	l.pending.Set(msg.ID, reply)

	if err := l.conn.Send(ctx, msg); err != nil {
		l.pending.Remove(msg.ID)
		return nil, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-l.readDone:
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		l.pending.Remove(msg.ID)
		return nil, errLinkClosed
	case <-ctx.Done():
		if _, ok := l.pending.Pop(msg.ID); ok {
			return nil, ctx.Err()
		}
		// readLoop already took the reply off the pending map.
		return <-reply, nil
	}
}

// resetDiscovery forgets discovered names. Callers hold s.mu.
func (s *Session) resetDiscovery() {
	s.discovered = make(map[string]protocol.NameFoundPayload)
	s.wakeDiscovery()
}

// wakeDiscovery signals waiters that the discovered set changed. Callers hold s.mu.
func (s *Session) wakeDiscovery() {
	close(s.discoveryWake)
	s.discoveryWake = make(chan struct{})
}

// shutdown stops the dispatcher, closes the connection and waits for both to finish.
func (l *link) shutdown() {
	l.quitOnce.Do(func() { close(l.quit) })
	l.conn.Close()
	<-l.done
}

func (l *link) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// dispatch invokes queued handlers in arrival order until the link quits.
func (l *link) dispatch() {
	defer close(l.done)

	for {
		select {
		case fn, ok := <-l.events:
			if !ok {
				return
			}
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		case <-l.quit:
			return
		}
	}
}

// post queues fn for the dispatcher unless the link is quitting.
func (l *link) post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.quit:
	}
}
