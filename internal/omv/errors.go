package omv

import (
	"errors"
	"fmt"
)

// Error codes the appliance returns when the session cookie is
// missing or no longer valid.
const (
	codeSessionNotAuthenticated = 5001
	codeSessionExpired          = 5002
)

// TransportError reports that the HTTP round trip itself failed.
type TransportError struct {
	Service string
	Method  string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("omv: %s.%s: transport: %v", e.Service, e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError reports a call that reached the appliance but was refused,
// either by an RPC error object or a non-2xx status.
type APIError struct {
	Service string
	Method  string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("omv: %s.%s: error %d: %s", e.Service, e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("omv: %s.%s: HTTP %d: %s", e.Service, e.Method, e.Status, e.Message)
}

// DecodeError reports a response body that is not the expected JSON.
type DecodeError struct {
	Service string
	Method  string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("omv: %s.%s: decode response: %v", e.Service, e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AuthError reports a rejected login or a session the appliance no
// longer recognizes.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("omv: authentication: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err means the session must be renewed.
func IsAuthError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeSessionNotAuthenticated ||
			apiErr.Code == codeSessionExpired ||
			apiErr.Status == 401
	}
	return false
}
