// Package relay is the reference signaling channel: it authenticates
// websocket clients, routes handshake events between the two participants of
// a chat, and stores ciphertext history. It never holds key material.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"securechat/internal/authtoken"
	"securechat/internal/chatid"
	"securechat/internal/observability/metrics"
	"securechat/internal/signaling"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

const (
	peerBuffer     = 64
	maxFrameBytes  = 1 << 20
	defaultHistory = 200
)

// Error codes sent back in error events.
const (
	CodeBadPayload      = "bad_payload"
	CodeForbidden       = "forbidden"
	CodeUnknownEvent    = "unknown_event"
	CodeUnknownExchange = "unknown_exchange"
	CodeInternal        = "internal"
)

type Options struct {
	HistoryLimit int
	WriteTimeout time.Duration
	// CheckOrigin guards the websocket upgrade. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

type Server struct {
	store        *Store
	hub          *Hub
	log          *slog.Logger
	now          func() time.Time
	historyLimit int
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func NewServer(store *Store, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistory
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Server{
		store:        store,
		hub:          NewHub(),
		log:          log,
		now:          time.Now,
		historyLimit: limit,
		writeTimeout: wt,
		upgrader:     websocket.Upgrader{CheckOrigin: check},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// relayError is reported to the sending connection as an error event.
type relayError struct {
	code string
	msg  string
}

func (e *relayError) Error() string { return e.code + ": " + e.msg }

func reject(code, format string, args ...any) error {
	return &relayError{code: code, msg: fmt.Sprintf(format, args...)}
}

// ServeWS upgrades an authenticated request and serves the connection until
// either side closes it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, ok := authtoken.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("relay upgrade failed", "user_id", user, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx := context.WithoutCancel(r.Context())
	p := newPeer(user, peerBuffer)
	s.hub.Join(p, UserRoom(user))
	metrics.RelayConnections.Inc()
	s.log.Info("relay connection opened", "user_id", user)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ws, p)
	}()

	s.onConnect(ctx, p)
	s.readLoop(ctx, ws, p)

	s.hub.Leave(p)
	p.close()
	wg.Wait()
	metrics.RelayConnections.Dec()
	s.log.Info("relay connection closed", "user_id", user)
}

func (s *Server) writePump(ws *websocket.Conn, p *peer) {
	defer ws.Close()
	for {
		select {
		case data := <-p.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("relay write failed", "user_id", p.user, "error", err)
				p.close()
				return
			}
		case <-p.done:
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, p *peer) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("relay read ended", "user_id", p.user, "error", err)
			}
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(p, "", reject(CodeBadPayload, "frame is not an envelope"))
			continue
		}
		s.handle(ctx, p, env)
	}
}

// onConnect re-delivers requests still waiting for this user and joins the
// rooms of chats already established.
func (s *Server) onConnect(ctx context.Context, p *peer) {
	pending, err := s.store.PendingFor(ctx, p.user)
	if err != nil {
		s.log.Error("relay pending requests lookup failed", "user_id", p.user, "error", err)
	}
	for _, ex := range pending {
		s.hub.Join(p, ChatRoom(ex.ChatID))
		s.sendTo(p, signaling.EventHandshakeRequest, signaling.Handshake{
			ChatID:     ex.ChatID,
			PublicKey:  ex.PublicKey,
			SenderID:   ex.SenderID,
			ReceiverID: ex.ReceiverID,
		})
	}
	accepted, err := s.store.AcceptedFor(ctx, p.user)
	if err != nil {
		s.log.Error("relay accepted chats lookup failed", "user_id", p.user, "error", err)
	}
	for _, ex := range accepted {
		s.hub.Join(p, ChatRoom(ex.ChatID))
	}
}

// handle processes one inbound envelope from p.
func (s *Server) handle(ctx context.Context, p *peer, env signaling.Envelope) {
	var (
		outcome string
		err     error
	)
	switch env.Type {
	case signaling.EventHandshakeRequest:
		outcome, err = s.onRequest(ctx, p, env)
	case signaling.EventHandshakeSuccess:
		outcome, err = s.onSuccess(ctx, p, env)
	case signaling.EventSendMessage:
		outcome, err = s.onSend(ctx, p, env)
	case signaling.EventGetHistory:
		outcome, err = s.onHistory(ctx, p, env)
	case signaling.EventJoinChat:
		outcome, err = s.onJoin(p, env)
	default:
		err = reject(CodeUnknownEvent, "unsupported event %q", env.Type)
	}
	if err != nil {
		var re *relayError
		if errors.As(err, &re) {
			outcome = "rejected"
		} else {
			outcome = "error"
			s.log.Error("relay event failed", "type", env.Type, "user_id", p.user, "error", err)
			err = reject(CodeInternal, "event could not be processed")
		}
		s.replyError(p, env.ID, err)
	}
	metrics.RelayEventsTotal.WithLabelValues(string(env.Type), outcome).Inc()
}

func (s *Server) participant(p *peer, chatID string) error {
	if _, _, err := chatid.Parse(chatID); err != nil {
		return reject(CodeBadPayload, "invalid chat id %q", chatID)
	}
	if !chatid.Contains(chatID, p.user) {
		return reject(CodeForbidden, "not a participant of %s", chatID)
	}
	return nil
}

func (s *Server) onRequest(ctx context.Context, p *peer, env signaling.Envelope) (string, error) {
	var hs signaling.Handshake
	if err := env.Decode(&hs); err != nil || hs.PublicKey == "" {
		return "", reject(CodeBadPayload, "handshake-request needs chat_id and public_key")
	}
	if err := s.participant(p, hs.ChatID); err != nil {
		return "", err
	}
	receiver, _ := chatid.Other(hs.ChatID, p.user)

	outcome := "forwarded"
	err := s.store.WithTx(ctx, func(tx *Store) error {
		created, err := tx.CreateExchange(ctx, &KeyExchange{
			ChatID:     hs.ChatID,
			SenderID:   p.user,
			ReceiverID: receiver,
			PublicKey:  hs.PublicKey,
		})
		if err != nil || created {
			return err
		}
		ex, err := tx.Exchange(ctx, hs.ChatID)
		if err != nil {
			return err
		}
		if ex.Accepted || ex.SenderID != p.user {
			// First request wins; the later one, including the counterpart's
			// simultaneous initiation, is dropped.
			outcome = "duplicate"
			return nil
		}
		outcome = "resent"
		return tx.RefreshExchange(ctx, hs.ChatID, hs.PublicKey)
	})
	if err != nil {
		return "", err
	}
	if outcome == "duplicate" {
		s.log.Info("relay handshake request dropped", "chat_id", hs.ChatID, "user_id", p.user, "reason", "duplicate")
		return outcome, nil
	}

	s.hub.Join(p, ChatRoom(hs.ChatID))
	s.broadcast(UserRoom(receiver), signaling.EventHandshakeRequest, signaling.Handshake{
		ChatID:     hs.ChatID,
		PublicKey:  hs.PublicKey,
		SenderID:   p.user,
		ReceiverID: receiver,
	})
	return outcome, nil
}

func (s *Server) onSuccess(ctx context.Context, p *peer, env signaling.Envelope) (string, error) {
	var hs signaling.Handshake
	if err := env.Decode(&hs); err != nil || hs.PublicKey == "" {
		return "", reject(CodeBadPayload, "handshake-success needs chat_id and public_key")
	}
	if err := s.participant(p, hs.ChatID); err != nil {
		return "", err
	}
	ex, err := s.store.Exchange(ctx, hs.ChatID)
	if errors.Is(err, ErrUnknownExchange) {
		return "", reject(CodeUnknownExchange, "no handshake request for %s", hs.ChatID)
	}
	if err != nil {
		return "", err
	}
	if ex.ReceiverID != p.user {
		return "", reject(CodeForbidden, "only the requested user may accept %s", hs.ChatID)
	}
	changed, err := s.store.AcceptExchange(ctx, hs.ChatID)
	if err != nil {
		return "", err
	}
	if !changed {
		s.log.Info("relay handshake success dropped", "chat_id", hs.ChatID, "user_id", p.user, "reason", "already accepted")
		return "duplicate", nil
	}

	room := ChatRoom(hs.ChatID)
	s.hub.JoinUser(ex.SenderID, room)
	s.hub.JoinUser(ex.ReceiverID, room)
	s.broadcast(room, signaling.EventHandshakeSuccess, signaling.Handshake{
		ChatID:     hs.ChatID,
		PublicKey:  hs.PublicKey,
		SenderID:   p.user,
		ReceiverID: ex.SenderID,
	})
	return "accepted", nil
}

func (s *Server) onSend(ctx context.Context, p *peer, env signaling.Envelope) (string, error) {
	var in signaling.EncryptedMessage
	if err := env.Decode(&in); err != nil {
		return "", reject(CodeBadPayload, "send-message payload is not a message")
	}
	if err := s.participant(p, in.ChatID); err != nil {
		return "", err
	}
	if in.Sender != p.user {
		return "", reject(CodeForbidden, "sender %d is not the connected user", in.Sender)
	}
	if other, _ := chatid.Other(in.ChatID, p.user); in.Receiver != other {
		return "", reject(CodeBadPayload, "receiver %d is not the counterpart in %s", in.Receiver, in.ChatID)
	}
	if in.Ciphertext == "" || in.IV == "" {
		return "", reject(CodeBadPayload, "ciphertext and iv are required")
	}

	msg := Message{
		ID:         uuid.NewString(),
		ChatID:     in.ChatID,
		Sender:     in.Sender,
		Receiver:   in.Receiver,
		Ciphertext: in.Ciphertext,
		IV:         in.IV,
		Timestamp:  s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, &msg); err != nil {
		return "", err
	}
	room := ChatRoom(in.ChatID)
	s.hub.JoinUser(msg.Sender, room)
	s.hub.JoinUser(msg.Receiver, room)
	s.broadcast(room, signaling.EventNewMessage, toWire(msg))
	return "stored", nil
}

func (s *Server) onHistory(ctx context.Context, p *peer, env signaling.Envelope) (string, error) {
	var req signaling.HistoryRequest
	if err := env.Decode(&req); err != nil {
		return "", reject(CodeBadPayload, "get-history needs chat_id")
	}
	if err := s.participant(p, req.ChatID); err != nil {
		return "", err
	}
	msgs, err := s.store.History(ctx, req.ChatID, s.historyLimit)
	if err != nil {
		return "", err
	}
	out := signaling.History{ChatID: req.ChatID, Messages: make([]signaling.EncryptedMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toWire(m))
	}
	s.hub.Join(p, ChatRoom(req.ChatID))
	s.sendTo(p, signaling.EventMessageHistory, out)
	return "served", nil
}

func (s *Server) onJoin(p *peer, env signaling.Envelope) (string, error) {
	var req signaling.JoinChat
	if err := env.Decode(&req); err != nil {
		return "", reject(CodeBadPayload, "join-chat needs chat_id")
	}
	if err := s.participant(p, req.ChatID); err != nil {
		return "", err
	}
	s.hub.Join(p, ChatRoom(req.ChatID))
	return "joined", nil
}

func toWire(m Message) signaling.EncryptedMessage {
	return signaling.EncryptedMessage{
		ID:         m.ID,
		ChatID:     m.ChatID,
		Sender:     m.Sender,
		Receiver:   m.Receiver,
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
		Timestamp:  m.Timestamp.UTC(),
	}
}

func (s *Server) encode(t signaling.EventType, payload any) ([]byte, bool) {
	env, err := signaling.NewEnvelope(t, payload)
	if err != nil {
		s.log.Error("relay encode failed", "type", t, "error", err)
		return nil, false
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("relay encode failed", "type", t, "error", err)
		return nil, false
	}
	return data, true
}

func (s *Server) sendTo(p *peer, t signaling.EventType, payload any) {
	if data, ok := s.encode(t, payload); ok {
		p.deliver(data)
	}
}

func (s *Server) broadcast(room string, t signaling.EventType, payload any) {
	if data, ok := s.encode(t, payload); ok {
		s.hub.Broadcast(room, data)
	}
}

func (s *Server) replyError(p *peer, ref string, err error) {
	var re *relayError
	if !errors.As(err, &re) {
		re = &relayError{code: CodeInternal, msg: err.Error()}
	}
	s.sendTo(p, signaling.EventError, signaling.ErrorPayload{Code: re.code, Message: re.msg, Ref: ref})
}
