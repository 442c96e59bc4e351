package errors

import "errors"

// Login flow errors.
var (
	ErrValidation     = errors.New("missing or invalid input")
	ErrAuthentication = errors.New("authentication rejected")
	ErrInvalidState   = errors.New("operation not allowed in current login state")
	ErrBusy           = errors.New("another login request is in flight")
	ErrResendNotReady = errors.New("otp resend not available yet")
)

// Session token errors. Expiry and role mismatch are denial reasons
// rather than failures, but share the same remediation as ErrToken.
var (
	ErrToken        = errors.New("session token absent or malformed")
	ErrExpired      = errors.New("session token expired")
	ErrRoleMismatch = errors.New("session role does not match view")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
