package keystore

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable = errors.New("keystore: store unavailable")
	ErrWrongPassphrase  = errors.New("keystore: wrong passphrase")
	ErrSealingMismatch  = errors.New("keystore: sealing mode does not match the existing store")
	ErrEmptyChatID      = errors.New("keystore: empty chat id")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
