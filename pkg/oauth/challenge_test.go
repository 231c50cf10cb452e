// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBearerChallenge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{
			name:   "quoted values",
			header: `Bearer error="invalid_token", error_description="The access token expired"`,
			want: map[string]string{
				"error":             "invalid_token",
				"error_description": "The access token expired",
			},
		},
		{
			name:   "bare values",
			header: `Bearer error=invalid_token, scope=read`,
			want: map[string]string{
				"error": "invalid_token",
				"scope": "read",
			},
		},
		{
			name:   "mixed quoting and spacing",
			header: `Bearer   realm="api" , error=insufficient_scope,scope="read write"`,
			want: map[string]string{
				"realm": "api",
				"error": "insufficient_scope",
				"scope": "read write",
			},
		},
		{
			name:   "case insensitive scheme",
			header: `bearer error="invalid_token"`,
			want:   map[string]string{"error": "invalid_token"},
		},
		{
			name:   "escaped quote in value",
			header: `Bearer realm="a \"quoted\" realm"`,
			want:   map[string]string{"realm": `a "quoted" realm`},
		},
		{
			name:   "different scheme yields empty map",
			header: `Basic realm="api"`,
			want:   map[string]string{},
		},
		{
			name:   "scheme prefix without separator yields empty map",
			header: `Bearerrealm=api`,
			want:   map[string]string{},
		},
		{
			name:   "empty header yields empty map",
			header: "",
			want:   map[string]string{},
		},
		{
			name:   "bare scheme yields empty map",
			header: "Bearer",
			want:   map[string]string{},
		},
		{
			name:   "garbage after valid pair is dropped",
			header: `Bearer error="invalid_token", ;;;`,
			want:   map[string]string{"error": "invalid_token"},
		},
		{
			name:   "unterminated quote is tolerated",
			header: `Bearer error="invalid_token`,
			want:   map[string]string{"error": "invalid_token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ParseBearerChallenge(tt.header)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChallengeError(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"error":             "insufficient_scope",
		"error_description": "needs write",
		"scope":             "read write",
	}
	err := ChallengeError(403, params)

	require.Equal(t, KindResourceChallenge, err.Kind)
	assert.Equal(t, "insufficient_scope", err.Code)
	assert.Equal(t, "needs write", err.Description)
	assert.Equal(t, 403, err.StatusCode)
	assert.Equal(t, params, err.Challenge)
	assert.True(t, IsKind(err, KindResourceChallenge))
}
