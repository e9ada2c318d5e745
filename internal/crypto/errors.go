package crypto

import "errors"

// Errors
var (
	ErrMalformed          = errors.New("malformed input")
	ErrInvalidKey         = errors.New("invalid key size")
	ErrSelfTest           = errors.New("key pair self-test failed")
	ErrInsufficientShares = errors.New("not enough shares to recover secret")
	ErrInvalidShares      = errors.New("shares are inconsistent")
	ErrMACMismatch        = errors.New("mac mismatch")
	ErrModuleMismatch     = errors.New("data was produced by another module")
)
