// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"widget","count":3}`)
	}))
	defer server.Close()

	result, err := FetchJSON[payload](context.Background(), http.DefaultClient, server.URL,
		WithHeader("X-Custom", "custom-value"))
	require.NoError(t, err)

	assert.Equal(t, "widget", result.Data.Name)
	assert.Equal(t, 3, result.Data.Count)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestFetchJSONRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `{"name":"widget"}`)
	}))
	defer server.Close()

	_, err := FetchJSON[payload](context.Background(), http.DefaultClient, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedContentType)

	_, err = FetchJSON[payload](context.Background(), http.DefaultClient, server.URL,
		WithoutContentTypeValidation())
	require.NoError(t, err)
}

func TestFetchJSONHTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "missing")
	}))
	defer server.Close()

	_, err := FetchJSON[payload](context.Background(), http.DefaultClient, server.URL)
	require.Error(t, err)
	assert.True(t, IsHTTPError(err, http.StatusNotFound))
	assert.True(t, IsHTTPError(err, 0), "zero matches any status")
	assert.False(t, IsHTTPError(err, http.StatusBadRequest))
}

func TestFetchJSONErrorHandler(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_request"}`)
	}))
	defer server.Close()

	custom := fmt.Errorf("handled")
	_, err := FetchJSON[payload](context.Background(), http.DefaultClient, server.URL,
		WithErrorHandler(func(resp *http.Response, body []byte) error {
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), "invalid_request")
			return custom
		}))
	require.ErrorIs(t, err, custom)
}

func TestFetchJSONWithForm(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ContentTypeFormURLEncoded, r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "value", r.PostForm.Get("field"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"posted"}`)
	}))
	defer server.Close()

	form := url.Values{"field": {"value"}}
	result, err := FetchJSONWithForm[payload](context.Background(), http.DefaultClient, server.URL, form)
	require.NoError(t, err)
	assert.Equal(t, "posted", result.Data.Name)
}

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"localhost:8080", true},
		{"127.0.0.1", true},
		{"127.0.0.1:9000", true},
		{"[::1]:8080", true},
		{"::1", true},
		{"example.com", false},
		{"10.0.0.1", false},
		{"sublocalhost.example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLocalhost(tt.host), tt.host)
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{name: "https anywhere", endpoint: "https://id.example/token"},
		{name: "http on localhost", endpoint: "http://localhost:8080/token"},
		{name: "http on loopback", endpoint: "http://127.0.0.1/token"},
		{name: "http on public host", endpoint: "http://id.example/token", wantErr: true},
		{name: "unsupported scheme", endpoint: "ftp://id.example", wantErr: true},
		{name: "not a url", endpoint: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateEndpointURL(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateEndpointURLWithInsecure(t *testing.T) {
	t.Parallel()

	require.Error(t, ValidateEndpointURLWithInsecure("http://id.example/token", false))
	require.NoError(t, ValidateEndpointURLWithInsecure("http://id.example/token", true))
}
