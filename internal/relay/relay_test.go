package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"securechat/internal/authtoken"
	"securechat/internal/chatid"
	"securechat/internal/observability/logging"
	"securechat/internal/signaling"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testRelay struct {
	url    string
	issuer *authtoken.Issuer
	store  *Store
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:relay_%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st := NewStore(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	st := setupStore(t)
	iss, err := authtoken.New("relay-test-secret", "securechat")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	srv := NewServer(st, Options{Logger: logging.Discard(), HistoryLimit: 50})
	ts := httptest.NewServer(NewRouter(RouterConfig{Server: srv, Auth: iss, Logger: logging.Discard()}))
	t.Cleanup(ts.Close)
	return &testRelay{url: ts.URL, issuer: iss, store: st}
}

type testClient struct {
	user   int64
	conn   *signaling.Conn
	events chan signaling.Envelope
}

func (r *testRelay) dial(t *testing.T, user int64) *testClient {
	t.Helper()
	tok, err := r.issuer.Sign(user, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bus := signaling.NewBus(logging.Discard())
	events := make(chan signaling.Envelope, 64)
	for _, typ := range []signaling.EventType{
		signaling.EventHandshakeRequest,
		signaling.EventHandshakeSuccess,
		signaling.EventNewMessage,
		signaling.EventMessageHistory,
		signaling.EventError,
	} {
		bus.Subscribe(typ, func(ctx context.Context, env signaling.Envelope) { events <- env })
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := signaling.Dial(ctx, "ws"+strings.TrimPrefix(r.url, "http")+"/ws", bus, signaling.DialOptions{Token: tok})
	if err != nil {
		t.Fatalf("dial as %d: %v", user, err)
	}
	go func() { _ = conn.Run(context.Background()) }()
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{user: user, conn: conn, events: events}
	c.sync(t)
	return c
}

// sync round-trips a history request so everything sent before it has been
// handled by the relay.
func (c *testClient) sync(t *testing.T) {
	t.Helper()
	probe := chatid.Derive(c.user, c.user+1000)
	c.emit(t, signaling.EventGetHistory, signaling.HistoryRequest{ChatID: probe})
	var held []signaling.Envelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-c.events:
			var h signaling.History
			if env.Type == signaling.EventMessageHistory && env.Decode(&h) == nil && h.ChatID == probe {
				for _, e := range held {
					c.events <- e
				}
				return
			}
			held = append(held, env)
		case <-deadline:
			t.Fatalf("user %d: sync timed out", c.user)
		}
	}
}

func (c *testClient) emit(t *testing.T, typ signaling.EventType, payload any) {
	t.Helper()
	if err := c.conn.Emit(context.Background(), typ, payload); err != nil {
		t.Fatalf("user %d emit %s: %v", c.user, typ, err)
	}
}

func (c *testClient) expect(t *testing.T, typ signaling.EventType, v any) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-c.events:
			if env.Type != typ {
				continue
			}
			if v != nil {
				if err := env.Decode(v); err != nil {
					t.Fatalf("user %d decode %s: %v", c.user, typ, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("user %d: timed out waiting for %s", c.user, typ)
		}
	}
}

func (c *testClient) expectNone(t *testing.T, typ signaling.EventType) {
	t.Helper()
	c.sync(t)
	for {
		select {
		case env := <-c.events:
			if env.Type == typ {
				t.Fatalf("user %d: unexpected %s", c.user, typ)
			}
		default:
			return
		}
	}
}

func TestHandshakeRoutedAndDeduplicated(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.dial(t, 1), r.dial(t, 2)

	alice.emit(t, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_A"})
	var req signaling.Handshake
	bob.expect(t, signaling.EventHandshakeRequest, &req)
	if req.ChatID != "1:2" || req.PublicKey != "PK_A" || req.SenderID != 1 || req.ReceiverID != 2 {
		t.Fatalf("unexpected forwarded request %+v", req)
	}

	// Simultaneous initiation from the counterpart loses.
	bob.emit(t, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_B_req"})
	bob.sync(t)
	alice.expectNone(t, signaling.EventHandshakeRequest)

	bob.emit(t, signaling.EventHandshakeSuccess, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_B"})
	var succ signaling.Handshake
	alice.expect(t, signaling.EventHandshakeSuccess, &succ)
	if succ.PublicKey != "PK_B" || succ.SenderID != 2 {
		t.Fatalf("unexpected success %+v", succ)
	}
	bob.expect(t, signaling.EventHandshakeSuccess, nil)

	bob.emit(t, signaling.EventHandshakeSuccess, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_B_late"})
	bob.sync(t)
	alice.expectNone(t, signaling.EventHandshakeSuccess)

	ex, err := r.store.Exchange(context.Background(), "1:2")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !ex.Accepted || ex.SenderID != 1 || ex.PublicKey != "PK_A" {
		t.Fatalf("unexpected exchange row %+v", ex)
	}
}

func TestResendRefreshesPendingRequest(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.dial(t, 1), r.dial(t, 2)

	alice.emit(t, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_1"})
	bob.expect(t, signaling.EventHandshakeRequest, nil)
	alice.emit(t, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_1"})
	var again signaling.Handshake
	bob.expect(t, signaling.EventHandshakeRequest, &again)
	if again.PublicKey != "PK_1" {
		t.Fatalf("unexpected resent request %+v", again)
	}
}

func TestPendingRequestRedeliveredOnConnect(t *testing.T) {
	r := newTestRelay(t)
	alice := r.dial(t, 1)
	alice.emit(t, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_A"})
	alice.sync(t)

	bob := r.dial(t, 2)
	var req signaling.Handshake
	bob.expect(t, signaling.EventHandshakeRequest, &req)
	if req.PublicKey != "PK_A" || req.SenderID != 1 {
		t.Fatalf("unexpected redelivered request %+v", req)
	}

	bob.emit(t, signaling.EventHandshakeSuccess, signaling.Handshake{ChatID: "1:2", PublicKey: "PK_B"})
	alice.expect(t, signaling.EventHandshakeSuccess, nil)

	late := r.dial(t, 2)
	late.expectNone(t, signaling.EventHandshakeRequest)
}

func TestSendMessageStoredAndBroadcast(t *testing.T) {
	r := newTestRelay(t)
	alice, bob := r.dial(t, 1), r.dial(t, 2)

	alice.emit(t, signaling.EventSendMessage, signaling.EncryptedMessage{
		ChatID: "1:2", Sender: 1, Receiver: 2, Ciphertext: "Y3Q=", IV: "aXY=",
	})
	var got signaling.EncryptedMessage
	bob.expect(t, signaling.EventNewMessage, &got)
	if got.ID == "" || got.Timestamp.IsZero() || got.Ciphertext != "Y3Q=" || got.IV != "aXY=" || got.Sender != 1 {
		t.Fatalf("unexpected new-message %+v", got)
	}
	alice.expect(t, signaling.EventNewMessage, nil)

	bob.emit(t, signaling.EventGetHistory, signaling.HistoryRequest{ChatID: "1:2"})
	var hist signaling.History
	bob.expect(t, signaling.EventMessageHistory, &hist)
	if hist.ChatID != "1:2" || len(hist.Messages) != 1 || hist.Messages[0].ID != got.ID {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestRejectedEventsReportErrors(t *testing.T) {
	r := newTestRelay(t)
	alice := r.dial(t, 1)
	mallory := r.dial(t, 3)

	tests := []struct {
		name    string
		client  *testClient
		typ     signaling.EventType
		payload any
		code    string
	}{
		{"impersonated sender", alice, signaling.EventSendMessage,
			signaling.EncryptedMessage{ChatID: "1:2", Sender: 2, Receiver: 1, Ciphertext: "eA==", IV: "eA=="}, CodeForbidden},
		{"wrong receiver", alice, signaling.EventSendMessage,
			signaling.EncryptedMessage{ChatID: "1:2", Sender: 1, Receiver: 3, Ciphertext: "eA==", IV: "eA=="}, CodeBadPayload},
		{"missing iv", alice, signaling.EventSendMessage,
			signaling.EncryptedMessage{ChatID: "1:2", Sender: 1, Receiver: 2, Ciphertext: "eA=="}, CodeBadPayload},
		{"foreign history", mallory, signaling.EventGetHistory, signaling.HistoryRequest{ChatID: "1:2"}, CodeForbidden},
		{"foreign request", mallory, signaling.EventHandshakeRequest, signaling.Handshake{ChatID: "1:2", PublicKey: "x"}, CodeForbidden},
		{"non canonical chat", alice, signaling.EventJoinChat, signaling.JoinChat{ChatID: "2:1"}, CodeBadPayload},
		{"success without request", alice, signaling.EventHandshakeSuccess, signaling.Handshake{ChatID: "1:5", PublicKey: "x"}, CodeUnknownExchange},
		{"unknown event", alice, signaling.EventType("shout"), nil, CodeUnknownEvent},
	}
	for _, tc := range tests {
		tc.client.emit(t, tc.typ, tc.payload)
		var e signaling.ErrorPayload
		tc.client.expect(t, signaling.EventError, &e)
		if e.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %+v", tc.name, tc.code, e)
		}
		if e.Ref == "" {
			t.Fatalf("%s: error event missing ref", tc.name)
		}
	}

	msgs, err := r.store.History(context.Background(), "1:2", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected messages were stored: %d", len(msgs))
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	r := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := signaling.Dial(ctx, "ws"+strings.TrimPrefix(r.url, "http")+"/ws", signaling.NewBus(nil), signaling.DialOptions{})
	if err == nil {
		t.Fatalf("expected dial without token to fail")
	}

	resp, err := http.Get(r.url + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatalf("trace id not echoed")
	}
}

func TestHistoryReturnsLatestOldestFirst(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := Message{
			ID:         fmt.Sprintf("m%d", i),
			ChatID:     "1:2",
			Sender:     1,
			Receiver:   2,
			Ciphertext: "c",
			IV:         "i",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.AppendMessage(ctx, &msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := st.History(ctx, "1:2", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 || msgs[0].ID != "m2" || msgs[2].ID != "m4" {
		t.Fatalf("unexpected page %+v", msgs)
	}
}

func TestStoreExchangeLifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	created, err := st.CreateExchange(ctx, &KeyExchange{ChatID: "1:2", SenderID: 1, ReceiverID: 2, PublicKey: "a"})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = st.CreateExchange(ctx, &KeyExchange{ChatID: "1:2", SenderID: 2, ReceiverID: 1, PublicKey: "b"})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	pending, err := st.PendingFor(ctx, 2)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %v", pending, err)
	}
	changed, err := st.AcceptExchange(ctx, "1:2")
	if err != nil || !changed {
		t.Fatalf("accept: %v %v", changed, err)
	}
	changed, err = st.AcceptExchange(ctx, "1:2")
	if err != nil || changed {
		t.Fatalf("second accept: %v %v", changed, err)
	}
	if pending, _ := st.PendingFor(ctx, 2); len(pending) != 0 {
		t.Fatalf("accepted exchange still pending")
	}
	if acc, _ := st.AcceptedFor(ctx, 1); len(acc) != 1 {
		t.Fatalf("accepted chats for sender: %d", len(acc))
	}
	if _, err := st.Exchange(ctx, "3:4"); err != ErrUnknownExchange {
		t.Fatalf("expected ErrUnknownExchange, got %v", err)
	}
}

func TestHubRoomsAndSlowPeers(t *testing.T) {
	h := NewHub()
	a, b := newPeer(1, 1), newPeer(2, 1)
	h.Join(a, UserRoom(1))
	h.Join(b, UserRoom(2))
	h.JoinUser(1, ChatRoom("1:2"))
	h.JoinUser(2, ChatRoom("1:2"))

	if n := h.Broadcast(ChatRoom("1:2"), []byte("x")); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	// b's buffer is full now; the next frame closes it.
	if n := h.Broadcast(UserRoom(2), []byte("y")); n != 0 {
		t.Fatalf("expected slow peer to be dropped, got %d", n)
	}
	select {
	case <-b.done:
	default:
		t.Fatalf("slow peer not closed")
	}

	h.Leave(a)
	if h.Members(UserRoom(1)) != 0 || h.Members(ChatRoom("1:2")) != 1 {
		t.Fatalf("leave did not clean rooms")
	}
}

func TestOriginChecker(t *testing.T) {
	if OriginChecker(nil) != nil {
		t.Fatalf("no origins should leave the upgrader default")
	}
	check := OriginChecker([]string{"https://chat.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Fatalf("foreign origin accepted")
	}
	req.Header.Set("Origin", "https://chat.example")
	if !check(req) {
		t.Fatalf("configured origin rejected")
	}
}
