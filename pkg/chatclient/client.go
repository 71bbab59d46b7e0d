// Package chatclient wires the key store, the handshake coordinator and the
// signaling connection into one client, and builds chat sessions on top.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"securechat/internal/chatid"
	"securechat/internal/handshake"
	"securechat/internal/session"
	"securechat/internal/signaling"
)

var ErrSelfChat = errors.New("chatclient: cannot start a chat with yourself")

// Transport is the signaling connection the client drives.
type Transport interface {
	signaling.Emitter
	Run(ctx context.Context) error
	Close() error
}

type Client struct {
	self      int64
	bus       *signaling.Bus
	transport Transport
	coord     *handshake.Coordinator
	scope     *signaling.Scope
	log       *slog.Logger
}

// New attaches a coordinator for self to bus; handshake subscriptions live
// until Close.
func New(self int64, store handshake.KeyStore, bus *signaling.Bus, tr Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	coord := handshake.New(self, store, tr, handshake.WithLogger(log))
	return &Client{
		self:      self,
		bus:       bus,
		transport: tr,
		coord:     coord,
		scope:     coord.Attach(bus),
		log:       log,
	}
}

type DialConfig struct {
	Self         int64
	RelayURL     string
	Token        string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Connect dials the relay and returns a client. Call Run to start receiving.
func Connect(ctx context.Context, store handshake.KeyStore, cfg DialConfig) (*Client, error) {
	if cfg.Self <= 0 {
		return nil, fmt.Errorf("chatclient: user id must be positive, got %d", cfg.Self)
	}
	bus := signaling.NewBus(cfg.Logger)
	conn, err := signaling.Dial(ctx, cfg.RelayURL, bus, signaling.DialOptions{
		Token:        cfg.Token,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return New(cfg.Self, store, bus, conn, cfg.Logger), nil
}

func (c *Client) Self() int64                         { return c.self }
func (c *Client) Bus() *signaling.Bus                 { return c.bus }
func (c *Client) Coordinator() *handshake.Coordinator { return c.coord }

// Run reads from the transport until ctx ends or the connection closes.
func (c *Client) Run(ctx context.Context) error {
	return c.transport.Run(ctx)
}

func (c *Client) Close() error {
	c.scope.Close()
	return c.transport.Close()
}

// ChatWith returns the chat identifier shared with peer.
func (c *Client) ChatWith(peer int64) (string, error) {
	if peer == c.self {
		return "", ErrSelfChat
	}
	if peer <= 0 {
		return "", fmt.Errorf("%w: peer %d", chatid.ErrInvalidChatID, peer)
	}
	return chatid.Derive(c.self, peer), nil
}

// StartChat makes sure a handshake with peer is under way or done.
func (c *Client) StartChat(ctx context.Context, peer int64) (string, error) {
	chatID, err := c.ChatWith(peer)
	if err != nil {
		return "", err
	}
	if err := c.coord.Initiate(ctx, chatID, peer); err != nil {
		return "", err
	}
	return chatID, nil
}

// Resend re-emits a stalled request to peer.
func (c *Client) Resend(ctx context.Context, peer int64) (string, error) {
	chatID, err := c.ChatWith(peer)
	if err != nil {
		return "", err
	}
	return chatID, c.coord.ResendRequest(ctx, chatID)
}

// WaitEstablished polls until the chat has a shared secret or ctx ends.
func (c *Client) WaitEstablished(ctx context.Context, chatID string, every time.Duration) error {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		state, err := c.coord.State(ctx, chatID)
		if err != nil {
			return err
		}
		if state == handshake.StateEstablished {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chatclient: %s still %s: %w", chatID, state, ctx.Err())
		case <-t.C:
		}
	}
}

// OpenSession builds the messaging session of an established chat. It
// returns session.ErrKeyNotReady while the handshake is incomplete.
func (c *Client) OpenSession(ctx context.Context, chatID string) (*session.Session, error) {
	return session.Open(ctx, c.coord, chatID, c.self, c.transport, session.WithLogger(c.log))
}

// JoinChat asks the relay to route the chat's traffic to this connection.
func (c *Client) JoinChat(ctx context.Context, chatID string) error {
	return c.transport.Emit(ctx, signaling.EventJoinChat, signaling.JoinChat{ChatID: chatID})
}

// AttachInbox decrypts new-message events of any established chat the user
// is in, opening each chat's session on first use. Closing the scope stops
// delivery.
func (c *Client) AttachInbox(onMessage func(session.PlaintextMessage)) *signaling.Scope {
	var (
		mu       sync.Mutex
		sessions = make(map[string]*session.Session)
	)
	scope := c.bus.NewScope()
	scope.On(signaling.EventNewMessage, func(ctx context.Context, env signaling.Envelope) {
		var rec signaling.EncryptedMessage
		if err := env.Decode(&rec); err != nil {
			c.log.Warn("inbox frame undecodable", "id", env.ID, "error", err)
			return
		}
		if !chatid.Contains(rec.ChatID, c.self) {
			return
		}
		mu.Lock()
		s, ok := sessions[rec.ChatID]
		if !ok {
			var err error
			s, err = c.OpenSession(ctx, rec.ChatID)
			if err != nil {
				mu.Unlock()
				c.log.Warn("inbox message without session", "chat_id", rec.ChatID, "error", err)
				return
			}
			sessions[rec.ChatID] = s
		}
		mu.Unlock()
		msg, err := s.ReceiveOne(rec)
		if err != nil {
			c.log.Warn("inbox message dropped", "chat_id", rec.ChatID, "id", rec.ID)
			return
		}
		onMessage(msg)
	})
	return scope
}
