package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

var ErrClosed = errors.New("signaling: connection closed")

type DialOptions struct {
	// Token is sent as a bearer token during the upgrade.
	Token        string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a client websocket to the relay. Inbound envelopes are dispatched
// to the bus by Run; Emit may be called from any goroutine.
type Conn struct {
	ws           *websocket.Conn
	bus          *Bus
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func Dial(ctx context.Context, url string, bus *Bus, opts DialOptions) (*Conn, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	return newConn(ws, bus, opts), nil
}

func newConn(ws *websocket.Conn, bus *Bus, opts DialOptions) *Conn {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &Conn{ws: ws, bus: bus, log: log, writeTimeout: wt, closed: make(chan struct{})}
}

func (c *Conn) Emit(ctx context.Context, t EventType, payload any) error {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// Send writes a prepared envelope.
func (c *Conn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", env.Type, err)
	}
	return nil
}

// Run reads envelopes until the context ends or the connection fails. A
// normal close by either side returns nil.
func (c *Conn) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("signaling: read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("signaling: dropping undecodable frame", "error", err)
			continue
		}
		c.bus.Dispatch(ctx, env)
	}
}

// Close sends a close frame and releases the socket. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
