// Package tlsutil provides centralized TLS configuration for all HTTP
// clients, servers, and Redis connections the gateway opens.
// TLS 1.2+ only, AEAD cipher suites only.
package tlsutil
