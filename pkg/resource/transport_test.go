// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidegate/oidcclient/pkg/oauth"
)

// fakeProvider hands out sequentially numbered tokens and records every
// request it served.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	scopes  [][]string
	err     error
	expired bool
}

func (p *fakeProvider) Obtain(_ context.Context, scopes []string, _ string) (*oauth.TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls++
	p.scopes = append(p.scopes, scopes)
	received := time.Now()
	if p.expired {
		received = received.Add(-2 * time.Hour)
	}
	return &oauth.TokenResponse{
		AccessToken: fmt.Sprintf("token-%d", p.calls),
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		ReceivedAt:  received,
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastScopes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scopes) == 0 {
		return nil
	}
	return p.scopes[len(p.scopes)-1]
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://api.example/v1/x?q=1", "https://api.example"},
		{"https://api.example:8443/v1", "https://api.example:8443"},
		{"http://127.0.0.1:9000/", "http://127.0.0.1:9000"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.rawURL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, Origin(u))
	}
}

func TestTransportAttachesAndCachesToken(t *testing.T) {
	t.Parallel()

	var authHeaders []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	transport := NewTransport(NewCredential("abc", provider), nil)
	httpClient := &http.Client{Transport: transport}

	for i := 0; i < 3; i++ {
		resp, err := httpClient.Get(server.URL + "/v1/x")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// one token acquisition serves all three requests
	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-1", "Bearer token-1"}, authHeaders)
}

func TestTransportRetriesOnceOnInvalidToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	httpClient := &http.Client{Transport: NewTransport(NewCredential("abc", provider), nil)}

	resp, err := httpClient.Get(server.URL + "/v1/x")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, 2, provider.callCount())
}

func TestTransportDoesNotRetryTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	httpClient := &http.Client{Transport: NewTransport(NewCredential("abc", provider), nil)}

	resp, err := httpClient.Get(server.URL + "/v1/x")
	require.NoError(t, err)
	resp.Body.Close()

	// the second 401 propagates; no third attempt is made
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, 2, provider.callCount())
}

func TestTransportWidensScopeOnInsufficientScope(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="write admin"`)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	credential := NewCredential("abc", provider, WithScopes("read"))
	httpClient := &http.Client{Transport: NewTransport(credential, nil)}

	resp, err := httpClient.Get(server.URL + "/v1/x")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"admin", "read", "write"}, provider.lastScopes())
}

func TestTransportPassesThroughOtherFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	httpClient := &http.Client{Transport: NewTransport(NewCredential("abc", provider), nil)}

	resp, err := httpClient.Get(server.URL + "/v1/x")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, provider.callCount())
}

func TestTransportReplaysRequestBody(t *testing.T) {
	t.Parallel()

	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		first := len(bodies) == 1
		mu.Unlock()
		if first {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := &fakeProvider{}
	httpClient := &http.Client{Transport: NewTransport(NewCredential("abc", provider), nil)}

	resp, err := httpClient.Post(server.URL+"/v1/x", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestTransportSurfacesChallengeForNonReplayableBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "challenge body")
	}))
	defer server.Close()

	provider := &fakeProvider{}
	transport := NewTransport(NewCredential("abc", provider), nil)

	// a bare reader gives the request no GetBody, so the attempt cannot
	// be replayed
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/x", struct{ io.Reader }{strings.NewReader("payload")})
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// the challenge response reaches the caller unread, and no second
	// token was acquired for a request we could not repeat
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "challenge body", string(body))
	assert.Equal(t, 1, provider.callCount())
}

func TestCredentialRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{expired: true}
	credential := NewCredential("abc", provider)
	ctx := context.Background()

	first, err := credential.Token(ctx, "https://api.example", false)
	require.NoError(t, err)
	second, err := credential.Token(ctx, "https://api.example", false)
	require.NoError(t, err)

	// an already expired token is never served from the cache
	assert.Equal(t, "token-1", first)
	assert.Equal(t, "token-2", second)
}

func TestCredentialConcurrentObtainsCollapse(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	credential := NewCredential("abc", provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := credential.Token(ctx, "https://api.example", false)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, provider.callCount())
	for _, token := range tokens {
		assert.Equal(t, "token-1", token)
	}
}
