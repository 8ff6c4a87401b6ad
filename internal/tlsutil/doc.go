// Package tlsutil provides centralized TLS configuration, supplying
// hardened TLS settings (TLS 1.2+, AEAD cipher suites only) for HTTP
// clients, the HTTP server, and Redis connections.
package tlsutil
