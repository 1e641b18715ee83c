// Package httpcache keeps one outbound HTTP client per AI endpoint, model and
// timeout combination.
package httpcache

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"feedsift/internal/model"
)

const (
	defaultConnect       = 10 * time.Second
	defaultWrite         = 30 * time.Second
	defaultRead          = 60 * time.Second
	defaultReasoningRead = 300 * time.Second
)

var reasoningMarkers = []string{"r1", "think", "reason", "qwq", "glm-4", "deepseek-r"}

// oSeries matches OpenAI o-series names such as "o1", "o3-mini" or "openai/o4".
var oSeries = regexp.MustCompile(`(^|[^a-z0-9])o[134]([^a-z0-9]|$)`)

// IsReasoningModel reports whether the model name looks like a slow,
// reasoning-style model.
func IsReasoningModel(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	for _, m := range reasoningMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return oSeries.MatchString(n)
}

// Timeouts is the per-phase timeout profile of an AI client. Connect bounds
// the dial and TLS handshake and Read bounds the wait for response headers.
// net/http has no transport setting for the request write phase, so Write
// only widens the overall Client.Timeout.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// Total bounds a whole request/response exchange.
func (t Timeouts) Total() time.Duration {
	return t.Connect + t.Read + t.Write
}

// TimeoutsFor resolves the timeouts for a profile. Explicit profile values
// win; the read default depends on the model class.
func TimeoutsFor(p *model.Profile) Timeouts {
	t := Timeouts{Connect: defaultConnect, Read: defaultRead, Write: defaultWrite}
	if p == nil {
		return t
	}

	reasoning := IsReasoningModel(p.Model)
	if p.ReasoningModel != nil {
		reasoning = *p.ReasoningModel
	}
	if reasoning {
		t.Read = defaultReasoningRead
	}

	if p.ConnectTimeout > 0 {
		t.Connect = p.ConnectTimeout
	}
	if p.ReadTimeout > 0 {
		t.Read = p.ReadTimeout
	}
	if p.WriteTimeout > 0 {
		t.Write = p.WriteTimeout
	}
	return t
}

// Cache hands out shared HTTP clients keyed by fingerprint. Clients are
// created once and never rebuilt.
type Cache struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
	group   singleflight.Group
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{clients: make(map[string]*http.Client)}
}

func fingerprint(endpoint, modelName string, t Timeouts) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", endpoint, modelName, t.Connect, t.Read, t.Write)
}

// Client returns the client for the given endpoint, model and timeouts.
func (c *Cache) Client(endpoint, modelName string, t Timeouts) *http.Client {
	key := fingerprint(endpoint, modelName, t)

	c.mu.RLock()
	client, ok := c.clients[key]
	c.mu.RUnlock()
	if ok {
		return client
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.clients[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		created := newClient(t)
		c.mu.Lock()
		c.clients[key] = created
		c.mu.Unlock()
		return created, nil
	})
	return v.(*http.Client)
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// CloseIdleConnections closes idle keep-alive connections on every client.
func (c *Cache) CloseIdleConnections() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, client := range c.clients {
		client.CloseIdleConnections()
	}
}

func newClient(t Timeouts) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   t.Total(),
		Transport: transport,
	}
}
