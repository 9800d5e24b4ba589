package repository

import "errors"

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrTokenAlreadyUsed     = errors.New("refresh token already used")
	ErrDuplicateToken       = errors.New("refresh token already exists")
	ErrUserExists           = errors.New("user already exists")
)
