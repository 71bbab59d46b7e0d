// Package handshake drives the per-chat key exchange: one unauthenticated
// ECDH round trip over the signaling channel, made idempotent by the key
// store. At most one shared secret is ever stored per chat.
package handshake

import (
	"context"
	"fmt"
	"log/slog"

	"securechat/internal/chatid"
	"securechat/internal/cryptocore"
	"securechat/internal/observability/metrics"
	"securechat/internal/signaling"
)

// State of a chat's key exchange.
type State int

const (
	StateNoKey State = iota
	StatePendingInitiatorResponse
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNoKey:
		return "no-key"
	case StatePendingInitiatorResponse:
		return "pending"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// KeyStore is the persistence the coordinator needs. Reads report absence
// with ok == false and a nil error.
type KeyStore interface {
	PutPendingPrivate(ctx context.Context, chatID string, key []byte) error
	GetPendingPrivate(ctx context.Context, chatID string) ([]byte, bool, error)
	PutSharedSecret(ctx context.Context, chatID string, key []byte) error
	GetSharedSecret(ctx context.Context, chatID string) ([]byte, bool, error)
}

type Coordinator struct {
	self  int64
	store KeyStore
	out   signaling.Emitter
	locks *chatLocks
	log   *slog.Logger
}

type Option func(*Coordinator)

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a coordinator acting for the local user self.
func New(self int64, store KeyStore, out signaling.Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:  self,
		store: store,
		out:   out,
		locks: newChatLocks(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Self returns the local user id.
func (c *Coordinator) Self() int64 { return c.self }

// Initiate starts a handshake with counterpart. It is a no-op when the chat
// already has a pending private key or a shared secret.
func (c *Coordinator) Initiate(ctx context.Context, chatID string, counterpart int64) error {
	if err := c.checkChat(chatID); err != nil {
		return err
	}
	if other, _ := chatid.Other(chatID, c.self); other != counterpart || counterpart == c.self {
		return fmt.Errorf("%w: %d in %s", ErrNotParticipant, counterpart, chatID)
	}
	unlock, err := c.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.state(ctx, chatID)
	if err != nil {
		c.count("initiate", "error")
		return err
	}
	if state != StateNoKey {
		c.count("initiate", "absorbed")
		c.log.Info("handshake initiate ignored", "chat_id", chatID, "reason", state.String())
		return nil
	}

	kp, err := cryptocore.GenerateKeyPair()
	if err != nil {
		c.count("initiate", "error")
		return fmt.Errorf("handshake: generate key pair: %w", err)
	}
	der, err := cryptocore.ExportPrivateKey(kp.Private)
	if err != nil {
		c.count("initiate", "error")
		return fmt.Errorf("handshake: export private key: %w", err)
	}
	pub, err := cryptocore.EncodePublicKey(kp.Public)
	if err != nil {
		c.count("initiate", "error")
		return fmt.Errorf("handshake: export public key: %w", err)
	}
	if err := c.store.PutPendingPrivate(ctx, chatID, der); err != nil {
		c.count("initiate", "error")
		return fmt.Errorf("handshake: store pending key for %s: %w", chatID, err)
	}
	if err := c.emit(ctx, signaling.EventHandshakeRequest, chatID, pub, counterpart); err != nil {
		c.count("initiate", "error")
		return err
	}
	c.count("initiate", "emitted")
	c.log.Info("handshake request sent", "chat_id", chatID, "counterpart", counterpart)
	return nil
}

// OnHandshakeRequest answers a peer's request. The responder derives the
// secret immediately and never stores a pending key.
func (c *Coordinator) OnHandshakeRequest(ctx context.Context, chatID, remotePublicKey string) error {
	if err := c.checkChat(chatID); err != nil {
		c.count("request", "error")
		return err
	}
	unlock, err := c.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	_, ok, err := c.store.GetSharedSecret(ctx, chatID)
	if err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: read shared secret for %s: %w", chatID, err)
	}
	if ok {
		c.count("request", "duplicate")
		c.log.Info("handshake request ignored", "chat_id", chatID, "reason", "already established")
		return nil
	}

	remote, err := cryptocore.DecodePublicKey(remotePublicKey)
	if err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: request for %s: %w", chatID, err)
	}
	kp, err := cryptocore.GenerateKeyPair()
	if err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: generate key pair: %w", err)
	}
	secret, err := cryptocore.DeriveSecret(kp.Private, remote)
	if err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: derive secret for %s: %w", chatID, err)
	}
	pub, err := cryptocore.EncodePublicKey(kp.Public)
	if err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: export public key: %w", err)
	}
	if err := c.store.PutSharedSecret(ctx, chatID, secret.Bytes()); err != nil {
		c.count("request", "error")
		return fmt.Errorf("handshake: store shared secret for %s: %w", chatID, err)
	}
	counterpart, _ := chatid.Other(chatID, c.self)
	if err := c.emit(ctx, signaling.EventHandshakeSuccess, chatID, pub, counterpart); err != nil {
		c.count("request", "error")
		return err
	}
	c.count("request", "established")
	c.log.Info("handshake established as responder", "chat_id", chatID)
	return nil
}

// OnHandshakeSuccess completes an initiated handshake with the responder's
// public key.
func (c *Coordinator) OnHandshakeSuccess(ctx context.Context, chatID, remotePublicKey string) error {
	if err := c.checkChat(chatID); err != nil {
		c.count("success", "error")
		return err
	}
	unlock, err := c.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	_, ok, err := c.store.GetSharedSecret(ctx, chatID)
	if err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: read shared secret for %s: %w", chatID, err)
	}
	if ok {
		c.count("success", "duplicate")
		c.log.Info("handshake success ignored", "chat_id", chatID, "reason", "already established")
		return nil
	}
	der, ok, err := c.store.GetPendingPrivate(ctx, chatID)
	if err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: read pending key for %s: %w", chatID, err)
	}
	if !ok {
		c.count("success", "unexpected")
		c.log.Warn("handshake success without pending request", "chat_id", chatID)
		return fmt.Errorf("%w: %s", ErrUnexpectedHandshakeMessage, chatID)
	}

	priv, err := cryptocore.ImportPrivateKey(der)
	if err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: pending key for %s: %w", chatID, err)
	}
	remote, err := cryptocore.DecodePublicKey(remotePublicKey)
	if err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: success for %s: %w", chatID, err)
	}
	secret, err := cryptocore.DeriveSecret(priv, remote)
	if err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: derive secret for %s: %w", chatID, err)
	}
	if err := c.store.PutSharedSecret(ctx, chatID, secret.Bytes()); err != nil {
		c.count("success", "error")
		return fmt.Errorf("handshake: store shared secret for %s: %w", chatID, err)
	}
	c.count("success", "established")
	c.log.Info("handshake established as initiator", "chat_id", chatID)
	return nil
}

// ResendRequest re-emits the request of a pending handshake, reusing the
// stored private key. Initiate stays a no-op for pending chats; this is the
// explicit way to nudge a handshake whose reply was lost.
func (c *Coordinator) ResendRequest(ctx context.Context, chatID string) error {
	if err := c.checkChat(chatID); err != nil {
		return err
	}
	unlock, err := c.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.state(ctx, chatID)
	if err != nil {
		c.count("resend", "error")
		return err
	}
	switch state {
	case StateEstablished:
		return ErrAlreadyEstablished
	case StateNoKey:
		return ErrNoPendingHandshake
	}
	der, ok, err := c.store.GetPendingPrivate(ctx, chatID)
	if err != nil {
		c.count("resend", "error")
		return fmt.Errorf("handshake: read pending key for %s: %w", chatID, err)
	}
	if !ok {
		return ErrNoPendingHandshake
	}
	priv, err := cryptocore.ImportPrivateKey(der)
	if err != nil {
		c.count("resend", "error")
		return fmt.Errorf("handshake: pending key for %s: %w", chatID, err)
	}
	pub, err := cryptocore.EncodePublicKey(priv.PublicKey())
	if err != nil {
		c.count("resend", "error")
		return fmt.Errorf("handshake: export public key: %w", err)
	}
	counterpart, _ := chatid.Other(chatID, c.self)
	if err := c.emit(ctx, signaling.EventHandshakeRequest, chatID, pub, counterpart); err != nil {
		c.count("resend", "error")
		return err
	}
	c.count("resend", "emitted")
	c.log.Info("handshake request re-sent", "chat_id", chatID, "counterpart", counterpart)
	return nil
}

// State reports where the chat's handshake stands.
func (c *Coordinator) State(ctx context.Context, chatID string) (State, error) {
	return c.state(ctx, chatID)
}

// SharedSecret returns the established key of the chat, if any.
func (c *Coordinator) SharedSecret(ctx context.Context, chatID string) (cryptocore.SymmetricKey, bool, error) {
	raw, ok, err := c.store.GetSharedSecret(ctx, chatID)
	if err != nil {
		return cryptocore.SymmetricKey{}, false, fmt.Errorf("handshake: read shared secret for %s: %w", chatID, err)
	}
	if !ok {
		return cryptocore.SymmetricKey{}, false, nil
	}
	key, err := cryptocore.ImportSymmetricKey(raw)
	if err != nil {
		return cryptocore.SymmetricKey{}, false, fmt.Errorf("handshake: shared secret for %s: %w", chatID, err)
	}
	return key, true, nil
}

// Attach subscribes the coordinator to inbound handshake events. Closing the
// returned scope detaches it.
func (c *Coordinator) Attach(bus *signaling.Bus) *signaling.Scope {
	scope := bus.NewScope()
	scope.On(signaling.EventHandshakeRequest, func(ctx context.Context, env signaling.Envelope) {
		var hs signaling.Handshake
		if err := env.Decode(&hs); err != nil {
			c.log.Warn("handshake request undecodable", "id", env.ID, "error", err)
			return
		}
		if err := c.OnHandshakeRequest(ctx, hs.ChatID, hs.PublicKey); err != nil {
			c.log.Warn("handshake request failed", "chat_id", hs.ChatID, "error", err)
		}
	})
	scope.On(signaling.EventHandshakeSuccess, func(ctx context.Context, env signaling.Envelope) {
		var hs signaling.Handshake
		if err := env.Decode(&hs); err != nil {
			c.log.Warn("handshake success undecodable", "id", env.ID, "error", err)
			return
		}
		// The relay echoes our own success to the chat room.
		if hs.SenderID == c.self {
			return
		}
		if err := c.OnHandshakeSuccess(ctx, hs.ChatID, hs.PublicKey); err != nil {
			c.log.Warn("handshake success failed", "chat_id", hs.ChatID, "error", err)
		}
	})
	return scope
}

func (c *Coordinator) state(ctx context.Context, chatID string) (State, error) {
	_, ok, err := c.store.GetSharedSecret(ctx, chatID)
	if err != nil {
		return StateNoKey, fmt.Errorf("handshake: read shared secret for %s: %w", chatID, err)
	}
	if ok {
		return StateEstablished, nil
	}
	_, ok, err = c.store.GetPendingPrivate(ctx, chatID)
	if err != nil {
		return StateNoKey, fmt.Errorf("handshake: read pending key for %s: %w", chatID, err)
	}
	if ok {
		return StatePendingInitiatorResponse, nil
	}
	return StateNoKey, nil
}

func (c *Coordinator) checkChat(chatID string) error {
	if _, _, err := chatid.Parse(chatID); err != nil {
		return err
	}
	if !chatid.Contains(chatID, c.self) {
		return fmt.Errorf("%w: %d in %s", ErrNotParticipant, c.self, chatID)
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, t signaling.EventType, chatID, pub string, receiver int64) error {
	payload := signaling.Handshake{
		ChatID:     chatID,
		PublicKey:  pub,
		SenderID:   c.self,
		ReceiverID: receiver,
	}
	if err := c.out.Emit(ctx, t, payload); err != nil {
		return fmt.Errorf("handshake: emit %s for %s: %w", t, chatID, err)
	}
	return nil
}

func (c *Coordinator) count(event, outcome string) {
	metrics.HandshakeEventsTotal.WithLabelValues(event, outcome).Inc()
}
