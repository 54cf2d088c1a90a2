// Package proto defines shared protocol messages for gridmesh nodes.
package proto

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current RPC envelope version.
// Version history:
//   - v1: request/response envelopes correlated by request id
const ProtocolVersion = 1

// Address identifies a cluster member. For memberlist-backed clusters it is
// the member name, which is also the member's RPC listen address.
type Address string

func (a Address) String() string {
	return string(a)
}

// MessageType identifies the type of RPC message.
type MessageType string

const (
	// MessageTypeRequest carries a command that expects a response
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse carries the outcome of a previously sent request
	MessageTypeResponse MessageType = "response"
)

// Message is the envelope for all RPC messages exchanged between nodes.
type Message struct {
	Version    int         `json:"version"`
	Type       MessageType `json:"type"`
	ID         string      `json:"id"`         // Unique message ID, for logs only
	From       Address     `json:"from"`       // Sender's address, responses go back here
	RequestID  int64       `json:"request_id"` // Correlates a response with its request
	Compressed bool        `json:"compressed,omitempty"`
	Payload    []byte      `json:"payload"`
}

// ResponsePayload is the wire form of a Response.
type ResponsePayload struct {
	Type  ResponseType    `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewRequestMessage creates a new request message.
func NewRequestMessage(id string, from Address, requestID int64, command []byte) *Message {
	return &Message{
		Version:   ProtocolVersion,
		Type:      MessageTypeRequest,
		ID:        id,
		From:      from,
		RequestID: requestID,
		Payload:   command,
	}
}

// NewResponseMessage creates a response message for requestID.
func NewResponseMessage(id string, from Address, requestID int64, resp Response) (*Message, error) {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}

	return &Message{
		Version:   ProtocolVersion,
		Type:      MessageTypeResponse,
		ID:        id,
		From:      from,
		RequestID: requestID,
		Payload:   data,
	}, nil
}

// DecodeResponse decodes the response carried by a response message.
// Payload decompression must have happened before this is called.
func (m *Message) DecodeResponse() (Response, error) {
	if m.Type != MessageTypeResponse {
		return nil, fmt.Errorf("message type is %s, not response", m.Type)
	}

	var payload ResponsePayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response payload: %w", err)
	}

	return payload.Decode()
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}

	return &msg, nil
}

// ErrorResponse is the JSON body of a rejected HTTP request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
