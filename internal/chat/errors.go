package chat

import (
	"errors"

	"proxchat/internal/protocol"
)

var (
	ErrConnection      = errors.New("bus connection failed")
	ErrAdvertisement   = errors.New("advertisement refused")
	ErrSessionNotFound = errors.New("session not found")
	ErrJoinRejected    = errors.New("join rejected")
	ErrNotInSession    = errors.New("not in a chat session")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidName     = errors.New("invalid session name")
)

// BusError is an error frame returned by the bus in answer to a request.
type BusError struct {
	Code    string
	Message string
}

func (e *BusError) Error() string {
	return e.Code + ": " + e.Message
}

// busError extracts the error carried by a reply, or nil if the reply is not an error frame.
func busError(reply *protocol.Message) *BusError {
	if reply.Type != protocol.TypeError {
		return nil
	}
	var p protocol.ErrorPayload
	if err := reply.Decode(&p); err != nil {
		return &BusError{Code: protocol.ErrInvalidMessage, Message: err.Error()}
	}
	return &BusError{Code: p.Code, Message: p.Message}
}
