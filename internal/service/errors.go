package service

import "errors"

var (
	ErrMissingCredentials     = errors.New("email and password are required")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidRefreshToken    = errors.New("invalid refresh token")
	ErrInvalidResetToken      = errors.New("invalid reset token")
	ErrInvalidCurrentPassword = errors.New("invalid current password")
	ErrUserNotFound           = errors.New("user not found")
)
