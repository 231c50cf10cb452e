// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidegate/oidcclient/pkg/logger"
	"github.com/tidegate/oidcclient/pkg/oauth"
)

// Retry tags. Each tag fires at most once per request, so a challenge that
// repeats after its retry propagates instead of looping.
const (
	tagRefresh = "oauth2:refresh"
	tagObtain  = "oauth2:obtain"
)

// sendOutcome classifies a resource server response for the retry loop.
type sendOutcome int

const (
	// outcomePassthrough returns the response to the caller unchanged.
	outcomePassthrough sendOutcome = iota

	// outcomeRefresh means the bearer token was rejected as stale.
	outcomeRefresh

	// outcomeObtain means the granted scope was insufficient.
	outcomeObtain
)

// Transport is an http.RoundTripper that attaches bearer tokens from a
// resource credential and answers bearer challenges.
type Transport struct {
	// Credential supplies access tokens per resource origin.
	Credential *Credential

	// Base is the underlying round tripper. http.DefaultTransport when nil.
	Base http.RoundTripper
}

// NewTransport wraps base with bearer token handling.
func NewTransport(credential *Credential, base http.RoundTripper) *Transport {
	return &Transport{Credential: credential, Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	origin := Origin(req.URL)
	tags := make(map[string]bool)

	token, err := t.Credential.obtain(ctx, origin, nil, false)
	if err != nil {
		return nil, err
	}

	for {
		resp, err := t.send(req, token)
		if err != nil {
			return nil, err
		}

		outcome, params := classifyResponse(resp)
		if outcome != outcomePassthrough && req.Body != nil && req.GetBody == nil {
			// cannot replay the body; surface the challenge untouched
			return resp, nil
		}

		switch {
		case outcome == outcomeRefresh && !tags[tagRefresh]:
			tags[tagRefresh] = true
			drainBody(resp)
			logger.Debugw("bearer token rejected, refreshing",
				"origin", origin, "error", params["error"])
			t.Credential.invalidate(origin)
			token, err = t.Credential.obtain(ctx, origin, nil, true)
			if err != nil {
				return nil, challengeFailure(resp.StatusCode, params, err)
			}

		case outcome == outcomeObtain && !tags[tagObtain]:
			tags[tagObtain] = true
			drainBody(resp)
			demanded := splitScope(params["scope"])
			logger.Debugw("scope insufficient, widening",
				"origin", origin, "scope", params["scope"])
			token, err = t.Credential.obtain(ctx, origin, demanded, true)
			if err != nil {
				return nil, challengeFailure(resp.StatusCode, params, err)
			}

		default:
			return resp, nil
		}
	}
}

// send issues one attempt with the given bearer token. The caller's request
// is never mutated.
func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attempt.Body = body
	}
	attempt.Header.Set("Authorization", "Bearer "+token)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(attempt)
}

// classifyResponse inspects a response for a bearer challenge this transport
// can answer. Anything else passes through.
func classifyResponse(resp *http.Response) (sendOutcome, map[string]string) {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return outcomePassthrough, nil
	}

	params := oauth.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	switch params["error"] {
	case oauth.ChallengeErrorInvalidToken:
		return outcomeRefresh, params
	case oauth.ChallengeErrorInsufficientScope:
		return outcomeObtain, params
	default:
		return outcomePassthrough, params
	}
}

// challengeFailure wraps a failed recovery attempt so callers see both the
// original challenge and the acquisition error.
func challengeFailure(statusCode int, params map[string]string, err error) error {
	challenge := oauth.ChallengeError(statusCode, params)
	challenge.Err = err
	return challenge
}

func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
