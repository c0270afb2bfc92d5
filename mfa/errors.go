package mfa

import "errors"

var (
	// ErrAlreadyEnabled is returned when enabling MFA that is already on
	ErrAlreadyEnabled = errors.New("mfa already enabled")
	// ErrNotEnabled is returned when an operation needs MFA to be on
	ErrNotEnabled = errors.New("mfa not enabled")
	// ErrInvalidCode covers every rejected TOTP or backup code. It does not
	// say whether the format or the value was wrong.
	ErrInvalidCode = errors.New("invalid code")
	// ErrInvalidTicket is returned for forged, malformed or expired tickets
	ErrInvalidTicket = errors.New("invalid ticket")
)
