// Package session encrypts and decrypts the messages of one established chat.
// A Session is built once the key store yields a shared secret and is handed
// to whoever owns the conversation; it holds no global state.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"securechat/internal/chatid"
	"securechat/internal/cryptocore"
	"securechat/internal/observability/metrics"
	"securechat/internal/signaling"
)

// PlaintextMessage is a decrypted message. It only lives in memory.
type PlaintextMessage struct {
	ID        string
	ChatID    string
	Content   string
	Sender    int64
	Timestamp time.Time
}

// SecretSource resolves the shared secret of a chat. handshake.Coordinator
// satisfies it.
type SecretSource interface {
	SharedSecret(ctx context.Context, chatID string) (cryptocore.SymmetricKey, bool, error)
}

type Session struct {
	chatID string
	self   int64
	peer   int64
	key    cryptocore.SymmetricKey
	out    signaling.Emitter
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Session)

func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a session for self in chatID. A zero key yields ErrKeyNotReady.
func New(chatID string, self int64, key cryptocore.SymmetricKey, out signaling.Emitter, opts ...Option) (*Session, error) {
	peer, err := chatid.Other(chatID, self)
	if err != nil {
		return nil, err
	}
	if key.IsZero() {
		return nil, ErrKeyNotReady
	}
	s := &Session{
		chatID: chatID,
		self:   self,
		peer:   peer,
		key:    key,
		out:    out,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open resolves the chat's secret once and builds a session from it.
func Open(ctx context.Context, src SecretSource, chatID string, self int64, out signaling.Emitter, opts ...Option) (*Session, error) {
	key, ok, err := src.SharedSecret(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotReady, chatID)
	}
	return New(chatID, self, key, out, opts...)
}

func (s *Session) ChatID() string { return s.chatID }
func (s *Session) Peer() int64    { return s.peer }

// Send encrypts content, stamps it and emits send-message. The returned
// record is what went on the wire.
func (s *Session) Send(ctx context.Context, content string) (signaling.EncryptedMessage, error) {
	if s == nil || s.key.IsZero() {
		return signaling.EncryptedMessage{}, ErrKeyNotReady
	}
	sealed, err := cryptocore.Encrypt(s.key, []byte(content))
	if err != nil {
		return signaling.EncryptedMessage{}, fmt.Errorf("session: encrypt: %w", err)
	}
	msg := signaling.EncryptedMessage{
		ChatID:     s.chatID,
		Sender:     s.self,
		Receiver:   s.peer,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(sealed.Nonce),
		Timestamp:  s.now().UTC(),
	}
	if err := s.out.Emit(ctx, signaling.EventSendMessage, msg); err != nil {
		return signaling.EncryptedMessage{}, fmt.Errorf("session: emit send-message for %s: %w", s.chatID, err)
	}
	metrics.MessagesEncryptedTotal.Inc()
	return msg, nil
}

// ReceiveOne decrypts a record. Bad base64, tampering and wrong keys all
// return cryptocore.ErrAuthenticationFailure.
func (s *Session) ReceiveOne(rec signaling.EncryptedMessage) (PlaintextMessage, error) {
	if rec.ChatID != "" && rec.ChatID != s.chatID {
		return PlaintextMessage{}, fmt.Errorf("%w: %s", ErrWrongChat, rec.ChatID)
	}
	pt, err := s.open(rec)
	if err != nil {
		metrics.MessagesDecryptFailuresTotal.Inc()
		return PlaintextMessage{}, err
	}
	return PlaintextMessage{
		ID:        rec.ID,
		ChatID:    s.chatID,
		Content:   string(pt),
		Sender:    rec.Sender,
		Timestamp: rec.Timestamp,
	}, nil
}

func (s *Session) open(rec signaling.EncryptedMessage) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, cryptocore.ErrAuthenticationFailure
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, cryptocore.ErrAuthenticationFailure
	}
	return cryptocore.Decrypt(s.key, ct, iv)
}

// ReceiveHistory decrypts each record on its own and leaves out the ones that
// fail. Order is preserved.
func (s *Session) ReceiveHistory(records []signaling.EncryptedMessage) []PlaintextMessage {
	out := make([]PlaintextMessage, 0, len(records))
	for i, rec := range records {
		msg, err := s.ReceiveOne(rec)
		if err != nil {
			s.log.Warn("history record dropped", "chat_id", s.chatID, "index", i, "id", rec.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// RequestHistory asks the channel for this chat's stored ciphertext.
func (s *Session) RequestHistory(ctx context.Context) error {
	if err := s.out.Emit(ctx, signaling.EventGetHistory, signaling.HistoryRequest{ChatID: s.chatID}); err != nil {
		return fmt.Errorf("session: emit get-history for %s: %w", s.chatID, err)
	}
	return nil
}

// Handlers receive decrypted traffic for an attached session. Either may be nil.
type Handlers struct {
	Message func(PlaintextMessage)
	// History gets the decrypted records and how many were dropped.
	History func(msgs []PlaintextMessage, dropped int)
}

// Attach subscribes to new-message and message-history for this chat only.
// Closing the scope removes both handlers.
func (s *Session) Attach(bus *signaling.Bus, h Handlers) *signaling.Scope {
	scope := bus.NewScope()
	scope.On(signaling.EventNewMessage, func(ctx context.Context, env signaling.Envelope) {
		var rec signaling.EncryptedMessage
		if err := env.Decode(&rec); err != nil {
			s.log.Warn("new-message undecodable", "id", env.ID, "error", err)
			return
		}
		if rec.ChatID != s.chatID {
			return
		}
		msg, err := s.ReceiveOne(rec)
		if err != nil {
			if errors.Is(err, cryptocore.ErrAuthenticationFailure) {
				s.log.Warn("message dropped", "chat_id", s.chatID, "id", rec.ID)
			}
			return
		}
		if h.Message != nil {
			h.Message(msg)
		}
	})
	scope.On(signaling.EventMessageHistory, func(ctx context.Context, env signaling.Envelope) {
		var hist signaling.History
		if err := env.Decode(&hist); err != nil {
			s.log.Warn("message-history undecodable", "id", env.ID, "error", err)
			return
		}
		if hist.ChatID != "" && hist.ChatID != s.chatID {
			return
		}
		msgs := s.ReceiveHistory(hist.Messages)
		if h.History != nil {
			h.History(msgs, len(hist.Messages)-len(msgs))
		}
	})
	return scope
}
