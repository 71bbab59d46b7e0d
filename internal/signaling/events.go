// Package signaling defines the events exchanged over the signaling channel,
// a dispatcher with scoped subscriptions, and a websocket client connection.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventHandshakeRequest EventType = "handshake-request"
	EventHandshakeSuccess EventType = "handshake-success"
	EventSendMessage      EventType = "send-message"
	EventNewMessage       EventType = "new-message"
	EventGetHistory       EventType = "get-history"
	EventMessageHistory   EventType = "message-history"
	EventJoinChat         EventType = "join-chat"
	EventError            EventType = "error"
)

// Envelope frames every event on the wire.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("signaling: encode %s: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("signaling: %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("signaling: decode %s: %w", e.Type, err)
	}
	return nil
}

// Handshake is the payload of handshake-request and handshake-success.
// PublicKey is base64 PKIX DER. SenderID and ReceiverID are routing hints;
// the relay fills SenderID from the authenticated connection.
type Handshake struct {
	ChatID     string `json:"chat_id"`
	PublicKey  string `json:"public_key"`
	SenderID   int64  `json:"sender_id,omitempty"`
	ReceiverID int64  `json:"receiver_id,omitempty"`
}

// EncryptedMessage is the only form a message takes on the channel.
// Ciphertext and IV are base64.
type EncryptedMessage struct {
	ID         string    `json:"id,omitempty"`
	ChatID     string    `json:"chat_id"`
	Sender     int64     `json:"sender"`
	Receiver   int64     `json:"receiver"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	Timestamp  time.Time `json:"timestamp"`
}

type HistoryRequest struct {
	ChatID string `json:"chat_id"`
}

type History struct {
	ChatID   string             `json:"chat_id,omitempty"`
	Messages []EncryptedMessage `json:"messages"`
}

type JoinChat struct {
	ChatID string `json:"chat_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref is the id of the envelope that caused the error.
	Ref string `json:"ref,omitempty"`
}

// Emitter publishes events on the signaling channel.
type Emitter interface {
	Emit(ctx context.Context, t EventType, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, t EventType, payload any) error

func (f EmitterFunc) Emit(ctx context.Context, t EventType, payload any) error {
	return f(ctx, t, payload)
}

// Loopback returns an Emitter that delivers events synchronously to bus.
func Loopback(bus *Bus) Emitter {
	return EmitterFunc(func(ctx context.Context, t EventType, payload any) error {
		env, err := NewEnvelope(t, payload)
		if err != nil {
			return err
		}
		bus.Dispatch(ctx, env)
		return nil
	})
}
