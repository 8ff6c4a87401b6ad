// Package server provides HTTP/HTTPS server lifecycle management: a
// non-blocking Start, graceful Shutdown within a configured timeout, and
// WaitForShutdown to block on SIGINT/SIGTERM or an unexpected Serve error.
//
// cmd/relaygate runs two independent Managers side by side: one fronting
// internal/router's proxied routes, the other serving /metrics on its own
// port so Prometheus scraping never shares a listener with proxy traffic.
package server
