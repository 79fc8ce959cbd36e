package chat

import (
	"context"
	"time"

	"proxchat/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Hosting
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Hosting:
		return "hosting"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// DataEvent is a chat line received from another participant.
type DataEvent struct {
	Session   string
	From      string
	Handle    string
	Text      string
	Timestamp time.Time
}

// ControlKind identifies a ControlEvent.
type ControlKind string

const (
	NameFound    ControlKind = "nameFound"
	NameLost     ControlKind = "nameLost"
	MemberJoined ControlKind = "memberJoined"
	MemberLeft   ControlKind = "memberLeft"
	SessionLost  ControlKind = "sessionLost"
	BusLost      ControlKind = "busLost"
)

// ControlEvent reports discovery, membership and connection changes.
// Session is the session name without the name prefix; it is empty for BusLost.
type ControlEvent struct {
	Kind    ControlKind
	Session string
	PeerID  string
	Handle  string
	Reason  string
}

// DataHandler receives inbound chat lines.
type DataHandler interface {
	OnData(DataEvent)
}

// ControlHandler receives inbound control events.
type ControlHandler interface {
	OnControl(ControlEvent)
}

// DataHandlerFunc adapts a function to DataHandler.
type DataHandlerFunc func(DataEvent)

func (f DataHandlerFunc) OnData(e DataEvent) { f(e) }

// ControlHandlerFunc adapts a function to ControlHandler.
type ControlHandlerFunc func(ControlEvent)

func (f ControlHandlerFunc) OnControl(e ControlEvent) { f(e) }

// JoinRequest describes a peer asking to join a hosted session.
type JoinRequest struct {
	Session string
	PeerID  string
	Handle  string
}

// Transport opens connections to a bus.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is an open bus connection. Receive's channel is closed when the connection ends.
type Conn interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Receive() <-chan *protocol.Message
	Close() error
}
