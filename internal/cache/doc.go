// Package cache provides Redis-backed cache management: connection
// pooling, health checks, JSON (de)serialization helpers, and stats.
//
// Manager wraps a go-redis client behind Get/Set/Delete/Exists/Expire and
// GetJSON/SetJSON convenience methods, with a background health-check loop
// that logs ping failures via zap. Config has no TLS option; the client
// connects in plain TCP.
package cache
