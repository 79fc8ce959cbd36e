package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all bus frames.
type Message struct {
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReply creates a message answering the request with the given id.
func NewReply(replyTo, msgType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = replyTo
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Bus → Client message types.
const (
	TypeBusWelcome          = "bus.welcome"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypeNameFound           = "name.found"
	TypeNameLost            = "name.lost"
	TypeSessionJoinRequest  = "session.joinRequest"
	TypeSessionJoined       = "session.joined"
	TypeSessionMemberJoined = "session.memberJoined"
	TypeSessionMemberLeft   = "session.memberLeft"
	TypeSessionLost         = "session.lost"
	TypeChatMessage         = "chat.message"
)

// Client → Bus message types.
const (
	TypeNameAdvertise    = "name.advertise"
	TypeNameCancel       = "name.cancel"
	TypeNameFind         = "name.find"
	TypeSessionJoin      = "session.join"
	TypeSessionJoinReply = "session.joinReply"
	TypeSessionLeave     = "session.leave"
	TypeChatSend         = "chat.send"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrNameExists     = "NAME_EXISTS"
	ErrNameRejected   = "NAME_REJECTED"
	ErrNotOwner       = "NOT_OWNER"
	ErrNoSession      = "NO_SESSION"
	ErrJoinRejected   = "JOIN_REJECTED"
	ErrNotMember      = "NOT_MEMBER"
)

// Bus → Client payloads.

type WelcomePayload struct {
	PeerID string `json:"peerId"`
}

type AckPayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type NameFoundPayload struct {
	Name      string `json:"name"`
	Interface string `json:"interface"`
	Path      string `json:"path"`
	Owner     string `json:"owner"`
}

type NameLostPayload struct {
	Name string `json:"name"`
}

type JoinRequestPayload struct {
	JoinID string `json:"joinId"`
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
	Handle string `json:"handle"`
}

type SessionJoinedPayload struct {
	Name    string   `json:"name"`
	Host    string   `json:"host"`
	Members []string `json:"members"`
}

type MemberPayload struct {
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
	Handle string `json:"handle"`
}

type SessionLostPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type ChatMessagePayload struct {
	Session string `json:"session"`
	From    string `json:"from"`
	Handle  string `json:"handle"`
	Text    string `json:"text"`
}

// Client → Bus payloads.

type AdvertisePayload struct {
	Name      string `json:"name" validate:"required,max=255"`
	Interface string `json:"interface" validate:"required"`
	Path      string `json:"path" validate:"required,startswith=/"`
	Handle    string `json:"handle" validate:"max=64"`
}

type NamePayload struct {
	Name string `json:"name" validate:"required,max=255"`
}

type FindPayload struct {
	Prefix string `json:"prefix" validate:"required"`
}

type JoinPayload struct {
	Name   string `json:"name" validate:"required,max=255"`
	Handle string `json:"handle" validate:"max=64"`
}

type JoinReplyPayload struct {
	JoinID string `json:"joinId" validate:"required"`
	Accept bool   `json:"accept"`
}

type ChatSendPayload struct {
	Session string `json:"session" validate:"required"`
	Text    string `json:"text" validate:"required"`
}
