package session

import "errors"

var (
	// ErrKeyNotReady means the chat has no shared secret yet. The message is
	// not sent; queueing is up to the caller.
	ErrKeyNotReady = errors.New("session: shared secret not established")
	ErrWrongChat   = errors.New("session: record belongs to another chat")
)
