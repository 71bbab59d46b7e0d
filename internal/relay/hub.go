package relay

import (
	"strconv"
	"sync"
)

func UserRoom(id int64) string      { return "user_" + strconv.FormatInt(id, 10) }
func ChatRoom(chatID string) string { return "chat_" + chatID }

// peer is one websocket connection. Outbound frames go through send and are
// written by a single pump goroutine.
type peer struct {
	user int64
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(user int64, buffer int) *peer {
	return &peer{user: user, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// deliver queues data without blocking. A peer whose queue is full is
// closed rather than stalling the sender.
func (p *peer) deliver(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		p.close()
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Hub tracks room membership.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*peer]struct{}
	joins map[*peer]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*peer]struct{}),
		joins: make(map[*peer]map[string]struct{}),
	}
}

func (h *Hub) Join(p *peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.join(p, room)
}

func (h *Hub) join(p *peer, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[room] = members
	}
	members[p] = struct{}{}
	rooms, ok := h.joins[p]
	if !ok {
		rooms = make(map[string]struct{})
		h.joins[p] = rooms
	}
	rooms[room] = struct{}{}
}

// JoinUser adds every open connection of user to room.
func (h *Hub) JoinUser(user int64, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.rooms[UserRoom(user)] {
		h.join(p, room)
	}
}

// Leave removes p from every room it joined.
func (h *Hub) Leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joins[p] {
		members := h.rooms[room]
		delete(members, p)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.joins, p)
}

// Broadcast queues data on every member of room and returns how many
// accepted it.
func (h *Hub) Broadcast(room string, data []byte) int {
	h.mu.RLock()
	members := make([]*peer, 0, len(h.rooms[room]))
	for p := range h.rooms[room] {
		members = append(members, p)
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range members {
		if p.deliver(data) {
			n++
		}
	}
	return n
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
