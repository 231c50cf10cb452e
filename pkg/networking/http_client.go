// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides hardened HTTP plumbing for talking to
// authorization servers and resource servers.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// HTTPClient is the interface consumed by everything in this module that
// performs HTTP requests. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer control function for validating addresses prior to connection
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport is for validating URLs prior to request
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsedURL, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}

	// HTTPS everywhere, with a carve-out for local development
	if parsedURL.Scheme != HttpsScheme && !IsLocalhost(parsedURL.Host) {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
	}

	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	clientCertPath        string
	clientKeyPath         string
	clientKeyPassword     string
	allowPrivate          bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithClientCertificate sets the client TLS certificate and key file paths.
// The password is used when the key file is an encrypted PEM block; pass an
// empty string for unencrypted keys.
func (b *HttpClientBuilder) WithClientCertificate(certPath, keyPath, keyPassword string) *HttpClientBuilder {
	b.clientCertPath = certPath
	b.clientKeyPath = keyPath
	b.clientKeyPassword = keyPassword
	return b
}

// WithPrivateIPs allows connections to private IP addresses
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}

		ensureTLSConfig(transport)
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if b.clientCertPath != "" {
		cert, err := loadClientCertificate(b.clientCertPath, b.clientKeyPath, b.clientKeyPassword)
		if err != nil {
			return nil, err
		}

		ensureTLSConfig(transport)
		transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
	}

	client := &http.Client{
		Transport: &ValidatingTransport{Transport: transport},
		Timeout:   b.clientTimeout,
	}

	return client, nil
}

func ensureTLSConfig(transport *http.Transport) {
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
}

// loadClientCertificate loads an X.509 key pair for client TLS authentication.
// If keyPath is empty, the key is expected to live in the certificate file.
func loadClientCertificate(certPath, keyPath, password string) (tls.Certificate, error) {
	if keyPath == "" {
		keyPath = certPath
	}

	certPEM, err := os.ReadFile(certPath) // #nosec G304 - path is provided by the caller's configuration
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read client certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - path is provided by the caller's configuration
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read client certificate key: %w", err)
	}

	if password != "" {
		keyPEM, err = decryptPEMKey(keyPEM, password)
		if err != nil {
			return tls.Certificate{}, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client key pair: %w", err)
	}

	return cert, nil
}

func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from client key")
	}

	//nolint:staticcheck // RFC 1423 encrypted PEM keys are still handed out by some CAs
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	//nolint:staticcheck // see above
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
