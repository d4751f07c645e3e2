// Package websocket defines the client sync protocol spoken over WebSocket.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType is the type of a server-to-client message.
type MessageType string

const (
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeDelta    MessageType = "delta"
	MessageTypeError    MessageType = "error"
	MessageTypePong     MessageType = "pong"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Topics a client may subscribe to.
const (
	// TopicAgent streams one agent. Params: agentId.
	TopicAgent = "agent"
	// TopicAgentPrompts streams the prompt backlog of one agent. Params: agentId.
	TopicAgentPrompts = "agent-prompts"
	// TopicAgents streams every agent of an owner. Params: ownerId.
	TopicAgents = "agents"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
	ErrorCodeUnknownTopic  = "UNKNOWN_TOPIC"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
)

// DeltaOp is the operation a delta applies to the client's copy.
type DeltaOp string

const (
	OpAdd    DeltaOp = "add"
	OpModify DeltaOp = "modify"
	OpDelete DeltaOp = "delete"
	// OpReplace carries the full topic state and replaces the client's copy.
	OpReplace DeltaOp = "replace"
)

// ClientMessage is sent by the client.
type ClientMessage struct {
	Action string            `json:"action"`
	ID     string            `json:"id,omitempty"`
	Topic  string            `json:"topic,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Param returns a subscription parameter or "".
func (m *ClientMessage) Param(key string) string {
	if m.Params == nil {
		return ""
	}
	return m.Params[key]
}

// Message is the envelope of every server-to-client message.
type Message struct {
	Type           MessageType     `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Version        int64           `json:"version,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Delta is the payload of a delta message.
type Delta struct {
	Op     DeltaOp `json:"op"`
	ItemID string  `json:"itemId,omitempty"`
	Item   any     `json:"item,omitempty"`
	Items  any     `json:"items,omitempty"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RequestID echoes the ID of the client message that failed.
	RequestID string `json:"requestId,omitempty"`
}

// NewSnapshot creates a snapshot message carrying the full topic state.
func NewSnapshot(subscriptionID, topic string, version int64, data any) (*Message, error) {
	return newMessage(MessageTypeSnapshot, subscriptionID, topic, version, data)
}

// NewDelta creates a delta message.
func NewDelta(subscriptionID, topic string, version int64, d Delta) (*Message, error) {
	return newMessage(MessageTypeDelta, subscriptionID, topic, version, d)
}

// NewError creates an error message.
func NewError(requestID, code, message string) (*Message, error) {
	return newMessage(MessageTypeError, "", "", 0, ErrorPayload{Code: code, Message: message, RequestID: requestID})
}

// NewPong creates a pong message answering a client ping.
func NewPong() *Message {
	return &Message{Type: MessageTypePong, Timestamp: time.Now().UTC()}
}

func newMessage(t MessageType, subscriptionID, topic string, version int64, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:           t,
		SubscriptionID: subscriptionID,
		Topic:          topic,
		Version:        version,
		Data:           data,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// ParseData parses the message data into v.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
