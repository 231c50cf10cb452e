// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// HttpsScheme is the required URL scheme for non-local endpoints.
const HttpsScheme = "https"

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"169.254.0.0/16", // RFC 3927 link-local
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	} {
		_, block, _ := net.ParseCIDR(cidr)
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsLocalhost reports whether host (optionally with port) refers to the
// local machine.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AddressReferencesPrivateIP returns an error if the dial address resolves
// to a private or link-local IP range.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an IP address", address)
	}

	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return fmt.Errorf("dialing private IP address %s is not allowed", ip)
		}
	}

	return nil
}

// ValidateEndpointURL checks that an endpoint URL is well formed and uses
// HTTPS (localhost excepted, for development).
func ValidateEndpointURL(endpoint string) error {
	return ValidateEndpointURLWithInsecure(endpoint, false)
}

// ValidateEndpointURLWithInsecure is ValidateEndpointURL with an escape
// hatch for plain HTTP, intended for testing only.
func ValidateEndpointURLWithInsecure(endpoint string, insecureAllowHTTP bool) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL %s has no host", endpoint)
	}

	if parsed.Scheme != HttpsScheme && !IsLocalhost(parsed.Host) && !insecureAllowHTTP {
		return fmt.Errorf("URL %s must use HTTPS", endpoint)
	}

	return nil
}
