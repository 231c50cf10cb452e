// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the client core can surface.
type ErrorKind string

// Error kinds. Callers branch on these, not on concrete error types.
const (
	// KindTransport covers connection failures, DNS, TLS, and timeouts.
	KindTransport ErrorKind = "transport"

	// KindProtocol covers malformed JSON, missing required fields, and
	// unsupported token types.
	KindProtocol ErrorKind = "protocol"

	// KindAuthorizationServer covers standard OAuth errors returned by the
	// authorization server (RFC 6749 Section 5.2).
	KindAuthorizationServer ErrorKind = "authorization-server-error"

	// KindRefreshToken is a distinguished authorization-server error
	// signaling that reauthentication is required.
	KindRefreshToken ErrorKind = "refresh-token"

	// KindResponseIntegrity covers ID token signature, issuer, audience,
	// nonce, azp, and JWT validity failures.
	KindResponseIntegrity ErrorKind = "response-integrity"

	// KindNoRefreshTokenReturned means the server did not rotate or issue a
	// refresh token when one was expected.
	KindNoRefreshTokenReturned ErrorKind = "no-refresh-token-returned"

	// KindResourceChallenge is recoverable; it drives the resource
	// credential's retry loop.
	KindResourceChallenge ErrorKind = "resource-challenge"
)

// Error is the single structured error produced throughout the client core.
// Code and Description carry the server's error fields when available;
// Challenge carries the full WWW-Authenticate parameter map for challenge
// errors.
type Error struct {
	Kind        ErrorKind
	Code        string
	Description string
	StatusCode  int
	Challenge   map[string]string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind wrapping a cause.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates an Error of the given kind with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		return false
	}
	return oauthErr.Kind == kind
}

// errorBody is the JSON error body returned by authorization servers
// (RFC 6749 Section 5.2).
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// ParseServerError decodes an OAuth error response body into the taxonomy.
// It returns nil when the body is not a JSON object with an error field,
// letting the caller fall back to a plain HTTP error.
func ParseServerError(statusCode int, body []byte) *Error {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	if parsed.Error == "" {
		return nil
	}
	return &Error{
		Kind:        KindAuthorizationServer,
		Code:        parsed.Error,
		Description: parsed.ErrorDescription,
		StatusCode:  statusCode,
	}
}
