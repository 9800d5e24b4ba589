package service

import "errors"

var (
	ErrInvalidInput      = errors.New("email and password are required")
	ErrNoAccount         = errors.New("no account registered for this email")
	ErrAuthentication    = errors.New("authentication error")
	ErrTokenOwnership    = errors.New("refresh token belongs to another user")
	ErrClaimNotFound     = errors.New("claim not found")
	ErrUnexpectedSigning = errors.New("unexpected signing method")
	ErrSecretKeyTooShort = errors.New("secret key must be at least 32 bytes")
	ErrInvalidTTL        = errors.New("token ttl must be positive")
)
