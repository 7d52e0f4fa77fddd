package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshUnsupported indicates the provider does not issue
	// refresh tokens.
	ErrRefreshUnsupported = errors.New("refresh not supported")
)
