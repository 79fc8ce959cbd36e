package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrNotMember       = errors.New("peer is not a session member")
	ErrAlreadyMember   = errors.New("peer is already a session member")
	ErrMaxSessions     = errors.New("maximum session limit reached")
)

// State represents the lifecycle state of a hosted session.
type State string

const (
	StateOpen      State = "open"
	StateDissolved State = "dissolved"
)

// Session holds metadata for one advertised, joinable chat session.
type Session struct {
	Name      string    `json:"name"`
	Interface string    `json:"interface"`
	Path      string    `json:"path"`
	Host      string    `json:"host"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	Members   int       `json:"members"`
}

// Member is a peer participating in a session. The host is always the first member.
type Member struct {
	PeerID   string    `json:"peerId"`
	Handle   string    `json:"handle"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatEvent is a single chat line relayed inside a session.
type ChatEvent struct {
	Session   string    `json:"session"`
	From      string    `json:"from"`
	Handle    string    `json:"handle"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
