package auth

import "errors"

var (
	ErrMissingSecret = errors.New("auth: secret is not configured")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
