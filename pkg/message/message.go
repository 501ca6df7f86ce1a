// Package message defines the JSON envelope carried on the bus and the
// request/response shapes used by the API dispatcher.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Origins a request can arrive from. The dispatcher uses the origin to
// decide whether the response goes back over HTTP or the bus.
const (
	OriginWebserver = "webserver"
	OriginBroker    = "broker"
)

// Message is the envelope for all bus traffic. Content is opaque JSON
// owned by the topic's producer and consumers.
type Message struct {
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	Origin  string          `json:"origin,omitempty"`
	Target  string          `json:"target,omitempty"`
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content"`
}

// New builds a message with a fresh ID. The id is immutable once set;
// republishing a message keeps its identity.
func New(sender, topic string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message content: %w", err)
	}
	return &Message{
		ID:      uuid.NewString(),
		Sender:  sender,
		Topic:   topic,
		Content: raw,
	}, nil
}

// Decode unmarshals the content into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode message content: %w", err)
	}
	return nil
}

// Marshal encodes the whole envelope for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes an envelope from the wire.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	return &m, nil
}

// Request is the content shape the API dispatcher accepts.
type Request struct {
	ID       string          `json:"id"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"api_payload"`
}

// DecodePayload unmarshals the request payload into v.
func (r *Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("request payload is empty")
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode api_payload: %w", err)
	}
	return nil
}

// Response is the uniform reply shape: status 200 with a result payload,
// or status 500 with {"error": reason}. Decoration fields echo the
// request so broker-side callers can correlate replies.
type Response struct {
	Status         int             `json:"status"`
	Payload        any             `json:"api_payload"`
	ID             string          `json:"id,omitempty"`
	Endpoint       string          `json:"endpoint,omitempty"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
}

// Success builds a 200 response carrying payload.
func Success(payload any) Response {
	return Response{Status: 200, Payload: payload}
}

// Failure builds a 500 response carrying the error reason.
func Failure(err error) Response {
	return Response{Status: 500, Payload: map[string]string{"error": err.Error()}}
}

// Decorate copies the request identity onto the response. Every response
// leaving the dispatcher is decorated, success or failure.
func (r Response) Decorate(req *Request) Response {
	r.ID = req.ID
	r.Endpoint = req.Endpoint
	r.RequestPayload = req.Payload
	return r
}
