// Package agentpool caches per-destination HTTP dispatchers (transport +
// client) so the Forwarder reuses connections across requests instead of
// dialing fresh TLS/TCP for every upstream call.
package agentpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"

	"github.com/relaygate/relaygate/internal/tlsutil"
)

// Protocol is the HTTP version a dispatcher was built for.
type Protocol string

const (
	H1 Protocol = "h1"
	H2 Protocol = "h2"
)

// Key identifies one cached dispatcher. It never contains credentials —
// only the endpoint origin, the proxy origin (or "direct"), and protocol.
type Key string

func buildKey(endpointOrigin, proxyOrigin string, proto Protocol) Key {
	if proxyOrigin == "" {
		proxyOrigin = "direct"
	}
	return Key(fmt.Sprintf("%s|%s|%s", endpointOrigin, proxyOrigin, proto))
}

const (
	defaultTTL      = 5 * time.Minute
	defaultMaxTotal = 100
)

type entry struct {
	client   *http.Client
	lastUsed time.Time
}

// Pool is the process-global dispatcher cache. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	group    singleflight.Group
	ttl      time.Duration
	maxTotal int
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Pool {
	return &Pool{
		entries:  make(map[Key]*entry),
		ttl:      defaultTTL,
		maxTotal: defaultMaxTotal,
		logger:   logger.With(zap.String("component", "agent_pool")),
	}
}

// Get returns the cached dispatcher for (endpointOrigin, proxyURL,
// wantHTTP2), building one on a coalesced cache miss. A SOCKS proxy forces
// HTTP/1.1 even when wantHTTP2 is true.
func (p *Pool) Get(ctx context.Context, endpointOrigin, proxyURL string, wantHTTP2 bool) (*http.Client, Key, error) {
	proto := H1
	if wantHTTP2 && !isSocksProxy(proxyURL) {
		proto = H2
	}
	proxyOrigin := proxyURL
	if u, err := url.Parse(proxyURL); err == nil && u.Host != "" {
		proxyOrigin = u.Scheme + "://" + u.Host
	}
	key := buildKey(endpointOrigin, proxyOrigin, proto)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.client, key, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(string(key), func() (any, error) {
		client, err := buildDispatcher(proxyURL, proto)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.evictLocked()
		p.entries[key] = &entry{client: client, lastUsed: time.Now()}
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, "", err
	}
	return v.(*http.Client), key, nil
}

// MarkUnhealthy evicts a dispatcher so the next Get rebuilds it fresh.
func (p *Pool) MarkUnhealthy(key Key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; ok {
		delete(p.entries, key)
		p.logger.Warn("dispatcher evicted", zap.String("key", string(key)), zap.String("reason", reason))
	}
}

// evictLocked drops TTL-expired entries, then the least-recently-used
// remainder once the cache exceeds maxTotal. Caller holds p.mu.
func (p *Pool) evictLocked() {
	now := time.Now()
	for k, e := range p.entries {
		if now.Sub(e.lastUsed) > p.ttl {
			delete(p.entries, k)
		}
	}
	for len(p.entries) >= p.maxTotal {
		var oldestKey Key
		var oldest time.Time
		for k, e := range p.entries {
			if oldest.IsZero() || e.lastUsed.Before(oldest) {
				oldest = e.lastUsed
				oldestKey = k
			}
		}
		if oldestKey == "" {
			return
		}
		delete(p.entries, oldestKey)
	}
}

func isSocksProxy(proxyURL string) bool {
	return strings.HasPrefix(proxyURL, "socks5://") || strings.HasPrefix(proxyURL, "socks4://")
}

func buildDispatcher(proxyURL string, proto Protocol) (*http.Client, error) {
	transport := tlsutil.SecureTransport()

	if proto == H1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	if proxyURL == "" {
		return &http.Client{Transport: transport}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	if isSocksProxy(proxyURL) {
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("build socks dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		transport.Proxy = nil
		return &http.Client{Transport: transport}, nil
	}

	transport.Proxy = http.ProxyURL(u)
	return &http.Client{Transport: transport}, nil
}
