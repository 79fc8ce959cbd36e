package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"id":        "req-1",
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeNameFound, NameFoundPayload{
		Name:      "org.example.chat.room1",
		Interface: "org.example.chat",
		Path:      "/chatService",
		Owner:     "peer-1",
	})
	require.NoError(t, err)

	assert.Equal(t, TypeNameFound, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.Empty(t, msg.ReplyTo)
	assert.False(t, msg.Timestamp.IsZero())

	var p NameFoundPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "org.example.chat.room1", p.Name)
	assert.Equal(t, "peer-1", p.Owner)
}

func TestNewReply(t *testing.T) {
	msg, err := NewReply("req-42", TypeAck, AckPayload{})
	require.NoError(t, err)
	assert.Equal(t, "req-42", msg.ReplyTo)
	assert.Equal(t, TypeAck, msg.Type)
	assert.NotEqual(t, "req-42", msg.ID)
}

func TestNewErrorReply(t *testing.T) {
	msg, err := NewErrorReply("req-7", ErrNameExists, "name already advertised")
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "req-7", msg.ReplyTo)

	var p ErrorPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, ErrNameExists, p.Code)
	assert.Equal(t, "name already advertised", p.Message)
}

func TestValidateClientMessage_Valid(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload interface{}
	}{
		{"advertise", TypeNameAdvertise, map[string]interface{}{"name": "org.example.chat.room1", "interface": "org.example.chat", "path": "/chatService"}},
		{"cancel", TypeNameCancel, map[string]interface{}{"name": "org.example.chat.room1"}},
		{"find", TypeNameFind, map[string]interface{}{"prefix": "org.example.chat."}},
		{"join", TypeSessionJoin, map[string]interface{}{"name": "org.example.chat.room1", "handle": "bob"}},
		{"join without handle", TypeSessionJoin, map[string]interface{}{"name": "org.example.chat.room1"}},
		{"join reply", TypeSessionJoinReply, map[string]interface{}{"joinId": "j-1", "accept": false}},
		{"leave", TypeSessionLeave, map[string]interface{}{"name": "org.example.chat.room1"}},
		{"chat", TypeChatSend, map[string]interface{}{"session": "org.example.chat.room1", "text": "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage(frame(t, tt.msgType, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.msgType, msg.Type)
			assert.Equal(t, "req-1", msg.ID)
		})
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("not json"))
	require.Error(t, err)
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"payload":{}}`))
	require.ErrorContains(t, err, "missing 'type'")
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	_, err := ValidateClientMessage(frame(t, "unknown.type", map[string]interface{}{}))
	require.ErrorContains(t, err, "unknown message type")
}

func TestValidateClientMessage_ServerTypeRejected(t *testing.T) {
	_, err := ValidateClientMessage(frame(t, TypeChatMessage, map[string]interface{}{"text": "x"}))
	require.ErrorContains(t, err, "unknown message type")
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"type":"name.find"}`))
	require.ErrorContains(t, err, "missing 'payload'")
}

func TestValidateClientMessage_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload interface{}
	}{
		{"advertise without name", TypeNameAdvertise, map[string]interface{}{"interface": "i", "path": "/p"}},
		{"advertise relative path", TypeNameAdvertise, map[string]interface{}{"name": "n", "interface": "i", "path": "p"}},
		{"find without prefix", TypeNameFind, map[string]interface{}{}},
		{"join without name", TypeSessionJoin, map[string]interface{}{"handle": "bob"}},
		{"join reply without id", TypeSessionJoinReply, map[string]interface{}{"accept": true}},
		{"chat without text", TypeChatSend, map[string]interface{}{"session": "s"}},
		{"chat without session", TypeChatSend, map[string]interface{}{"text": "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientMessage(frame(t, tt.msgType, tt.payload))
			require.ErrorContains(t, err, "invalid payload")
		})
	}
}
