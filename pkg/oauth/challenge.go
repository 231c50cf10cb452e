// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"strings"
)

// Bearer challenge parameter names this client acts on (RFC 6750 Section 3).
const (
	ChallengeErrorInvalidToken      = "invalid_token"
	ChallengeErrorInsufficientScope = "insufficient_scope"
)

// ParseBearerChallenge parses a WWW-Authenticate header carrying a Bearer
// challenge into its parameter map. The scanner is tolerant: it accepts
// key="value" and key=value pairs separated by commas, is whitespace
// insensitive, and returns an empty map for malformed or non-Bearer headers
// rather than failing.
func ParseBearerChallenge(header string) map[string]string {
	params := make(map[string]string)

	header = strings.TrimSpace(header)
	rest, ok := cutScheme(header, "Bearer")
	if !ok {
		return params
	}

	for {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			return params
		}

		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			// no key=value shape left; stop scanning, keep what we have
			return params
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]

		var value string
		value, rest = scanValue(rest)
		if key != "" {
			params[key] = value
		}
	}
}

// cutScheme strips a case-insensitive auth-scheme prefix. The scheme must be
// followed by whitespace or end of string.
func cutScheme(header, scheme string) (string, bool) {
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	rest := header[len(scheme):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// scanValue consumes a quoted or bare parameter value and returns it along
// with the unconsumed remainder.
func scanValue(s string) (string, string) {
	if strings.HasPrefix(s, `"`) {
		for i := 1; i < len(s); i++ {
			if s[i] == '"' && s[i-1] != '\\' {
				value := strings.ReplaceAll(s[1:i], `\"`, `"`)
				return value, s[i+1:]
			}
		}
		// unterminated quote: take everything, tolerantly
		return strings.ReplaceAll(s[1:], `\"`, `"`), ""
	}

	end := strings.IndexAny(s, ", \t")
	if end == -1 {
		return s, ""
	}
	return s[:end], s[end:]
}

// ChallengeError builds the recoverable error that drives the resource
// credential's retry loop, carrying the full challenge parameter map.
func ChallengeError(statusCode int, params map[string]string) *Error {
	return &Error{
		Kind:        KindResourceChallenge,
		Code:        params["error"],
		Description: params["error_description"],
		StatusCode:  statusCode,
		Challenge:   params,
	}
}
