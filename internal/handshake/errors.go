package handshake

import "errors"

var (
	ErrUnexpectedHandshakeMessage = errors.New("handshake: success without a pending request")
	ErrNotParticipant             = errors.New("handshake: user is not a participant of the chat")
	ErrAlreadyEstablished         = errors.New("handshake: chat already has a shared secret")
	ErrNoPendingHandshake         = errors.New("handshake: no pending handshake for chat")
)
