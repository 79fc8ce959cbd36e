package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var validate = validator.New()

// clientPayloads maps each allowed client→bus type to a constructor for its payload.
var clientPayloads = map[string]func() interface{}{
	TypeNameAdvertise:    func() interface{} { return &AdvertisePayload{} },
	TypeNameCancel:       func() interface{} { return &NamePayload{} },
	TypeNameFind:         func() interface{} { return &FindPayload{} },
	TypeSessionJoin:      func() interface{} { return &JoinPayload{} },
	TypeSessionJoinReply: func() interface{} { return &JoinReplyPayload{} },
	TypeSessionLeave:     func() interface{} { return &NamePayload{} },
	TypeChatSend:         func() interface{} { return &ChatSendPayload{} },
}

// ValidateClientMessage validates a raw JSON frame from a peer.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}

	msgType := gjson.GetBytes(raw, "type")
	if !msgType.Exists() || msgType.String() == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	newPayload, ok := clientPayloads[msgType.String()]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msgType.String())
	}

	if !gjson.GetBytes(raw, "payload").IsObject() {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	p := newPayload()
	if err := json.Unmarshal(msg.Payload, p); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to a peer.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// NewErrorReply creates an error message answering the request with the given id.
func NewErrorReply(replyTo, code, message string) (*Message, error) {
	return NewReply(replyTo, TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
