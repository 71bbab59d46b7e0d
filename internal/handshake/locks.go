package handshake

import (
	"context"
	"sync"
)

// chatLocks hands out one mutual-exclusion slot per chat identifier. Entries
// are reference counted and dropped when unused.
type chatLocks struct {
	mu sync.Mutex
	m  map[string]*chatLock
}

type chatLock struct {
	slot chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{m: make(map[string]*chatLock)}
}

// acquire blocks until the chat's slot is free or ctx ends.
func (l *chatLocks) acquire(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[chatID]
	if !ok {
		e = &chatLock{slot: make(chan struct{}, 1)}
		l.m[chatID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(chatID, e)
		})
	}, nil
}

func (l *chatLocks) release(chatID string, e *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, chatID)
	}
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
