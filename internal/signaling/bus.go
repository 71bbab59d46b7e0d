package signaling

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Handler receives one event.
type Handler func(ctx context.Context, env Envelope)

// Bus fans inbound events out to subscribed handlers.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[EventType]map[uint64]*Subscription
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[EventType]map[uint64]*Subscription), log: log}
}

// Subscription is a handle on one registered handler. Close removes it; after
// Close returns the handler is not invoked for any later Dispatch.
type Subscription struct {
	bus    *Bus
	typ    EventType
	id     uint64
	h      Handler
	closed atomic.Bool
}

func (b *Bus) Subscribe(t EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := &Subscription{bus: b, typ: t, id: b.next, h: h}
	m, ok := b.subs[t]
	if !ok {
		m = make(map[uint64]*Subscription)
		b.subs[t] = m
	}
	m[sub.id] = sub
	return sub
}

// Close is idempotent.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[s.typ]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.typ)
		}
	}
}

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool {
	return s != nil && !s.closed.Load()
}

// Dispatch delivers env to every active handler for its type in
// subscription order and returns how many ran.
func (b *Bus) Dispatch(ctx context.Context, env Envelope) int {
	b.mu.RLock()
	m := b.subs[env.Type]
	snapshot := make([]*Subscription, 0, len(m))
	for _, s := range m {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	ran := 0
	for _, s := range snapshot {
		if !s.Active() {
			continue
		}
		b.invoke(ctx, s, env)
		ran++
	}
	if ran == 0 {
		b.log.Debug("signaling event without subscribers", "type", string(env.Type), "id", env.ID)
	}
	return ran
}

func (b *Bus) invoke(ctx context.Context, s *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("signaling handler panicked", "type", string(env.Type), "id", env.ID, "panic", r)
		}
	}()
	s.h(ctx, env)
}

// Count returns the number of handlers registered for t.
func (b *Bus) Count(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Scope groups subscriptions that share a lifetime, such as one open chat
// view. Closing the scope closes all of them.
type Scope struct {
	bus    *Bus
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func (b *Bus) NewScope() *Scope {
	return &Scope{bus: b}
}

// On subscribes h within the scope. On a closed scope it registers nothing
// and returns an inactive subscription.
func (s *Scope) On(t EventType, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub := &Subscription{bus: s.bus, typ: t, h: h}
		sub.closed.Store(true)
		return sub
	}
	sub := s.bus.Subscribe(t, h)
	s.subs = append(s.subs, sub)
	return sub
}

// Close tears down every subscription in the scope. It is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
