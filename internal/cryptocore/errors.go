package cryptocore

import "errors"

var (
	ErrMalformedKey          = errors.New("cryptocore: malformed key")
	ErrAuthenticationFailure = errors.New("cryptocore: message authentication failed")
	ErrUnsupportedForm       = errors.New("cryptocore: unsupported key form")
	ErrKeyGeneration         = errors.New("cryptocore: key generation failed")
)
