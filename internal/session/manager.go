package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const defaultHistorySize = 200

// Manager tracks the chat sessions hosted on the bus and their members.
// It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*hostedSession
	maxSessions int
	historySize int
}

type hostedSession struct {
	Session *Session
	members []Member
	history *RingBuffer[ChatEvent]
}

func (hs *hostedSession) memberIndex(peerID string) int {
	_, idx, ok := lo.FindIndexOf(hs.members, func(m Member) bool { return m.PeerID == peerID })
	if !ok {
		return -1
	}
	return idx
}

func (hs *hostedSession) snapshot() *Session {
	s := *hs.Session
	s.Members = len(hs.members)
	return &s
}

// NewManager creates a session manager. maxSessions <= 0 means unlimited;
// historySize <= 0 uses the default history length.
func NewManager(maxSessions, historySize int) *Manager {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Manager{
		sessions:    make(map[string]*hostedSession),
		maxSessions: maxSessions,
		historySize: historySize,
	}
}

// Create opens a session named name hosted by host.
func (m *Manager) Create(name, iface, path string, host Member) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	if host.JoinedAt.IsZero() {
		host.JoinedAt = time.Now().UTC()
	}
	hs := &hostedSession{
		Session: &Session{
			Name:      name,
			Interface: iface,
			Path:      path,
			Host:      host.PeerID,
			State:     StateOpen,
			CreatedAt: time.Now().UTC(),
		},
		members: []Member{host},
		history: NewRingBuffer[ChatEvent](m.historySize),
	}
	m.sessions[name] = hs
	return hs.snapshot(), nil
}

// Get returns a session by name.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return hs.snapshot(), nil
}

// List returns all open sessions ordered by name.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := lo.MapToSlice(m.sessions, func(_ string, hs *hostedSession) *Session {
		return hs.snapshot()
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Join adds a member and returns the members that were already present.
func (m *Manager) Join(name string, member Member) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if hs.memberIndex(member.PeerID) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, member.PeerID)
	}

	existing := append([]Member(nil), hs.members...)
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	hs.members = append(hs.members, member)
	return existing, nil
}

// Leave removes a non-host member and returns it with the remaining members.
// A host leaving must Dissolve instead.
func (m *Manager) Leave(name, peerID string) (Member, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.sessions[name]
	if !ok {
		return Member{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	idx := hs.memberIndex(peerID)
	if idx < 0 || peerID == hs.Session.Host {
		return Member{}, nil, fmt.Errorf("%w: %s", ErrNotMember, peerID)
	}

	left := hs.members[idx]
	hs.members = append(hs.members[:idx:idx], hs.members[idx+1:]...)
	return left, append([]Member(nil), hs.members...), nil
}

// Members returns the members of a session, host first.
func (m *Manager) Members(name string) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return append([]Member(nil), hs.members...), nil
}

// Post records a chat line from a member and returns the members it must be relayed to.
func (m *Manager) Post(name, from, text string) (ChatEvent, []Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs, ok := m.sessions[name]
	if !ok {
		return ChatEvent{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	idx := hs.memberIndex(from)
	if idx < 0 {
		return ChatEvent{}, nil, fmt.Errorf("%w: %s", ErrNotMember, from)
	}

	event := ChatEvent{
		Session:   name,
		From:      from,
		Handle:    hs.members[idx].Handle,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	hs.history.Write(event)

	recipients := lo.Filter(hs.members, func(mb Member, _ int) bool { return mb.PeerID != from })
	return event, recipients, nil
}

// History returns up to limit of the newest buffered chat lines of a session,
// oldest first. A limit <= 0 returns the whole buffer.
func (m *Manager) History(name string, limit int) ([]ChatEvent, error) {
	m.mu.RLock()
	hs, ok := m.sessions[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if limit <= 0 {
		return hs.history.ReadAll(), nil
	}
	return hs.history.Last(limit), nil
}

// Dissolve closes a session and returns its members other than the host.
func (m *Manager) Dissolve(name string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	delete(m.sessions, name)
	hs.Session.State = StateDissolved

	return lo.Filter(hs.members, func(mb Member, _ int) bool { return mb.PeerID != hs.Session.Host }), nil
}

// HostedBy returns the names of sessions hosted by a peer.
func (m *Manager) HostedBy(peerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, hs := range m.sessions {
		if hs.Session.Host == peerID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MemberOf returns the names of sessions a peer has joined (excluding ones it hosts).
func (m *Manager) MemberOf(peerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, hs := range m.sessions {
		if hs.Session.Host != peerID && hs.memberIndex(peerID) >= 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Shutdown dissolves every session and returns how many were open.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	for name, hs := range m.sessions {
		hs.Session.State = StateDissolved
		delete(m.sessions, name)
	}
	return n
}
