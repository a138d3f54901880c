// Package accesscontrol gates inbound routes by the set of TRMNL server IPs,
// refreshed periodically from the published IP-list endpoint.
package accesscontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const refreshTimeout = 10 * time.Second

// loopbackAddrs are always allowed so local development and health probes
// keep working even when the IP-list service is down.
var loopbackAddrs = []string{"127.0.0.1", "::1", "localhost"}

// ipListResponse is the shape of the IP-list service payload.
type ipListResponse struct {
	IPv4 []string `json:"ipv4"`
	IPv6 []string `json:"ipv6"`
}

// Allowlist is the set of client addresses permitted on gated routes.
// The set is replaced wholesale by Refresh; on any refresh failure it falls
// back to loopback-only (fail-closed), discarding the previous set.
type Allowlist struct {
	mu          sync.RWMutex
	addrs       map[string]struct{}
	lastRefresh time.Time

	enabled bool
	listURL string
	http    *http.Client
}

// New returns an allow-list seeded with the loopback set. When enabled is
// false, Allowed always returns true and Refresh is a no-op for callers.
func New(enabled bool, listURL string, client *http.Client) *Allowlist {
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	return &Allowlist{
		addrs:   loopbackSet(),
		enabled: enabled,
		listURL: listURL,
		http:    client,
	}
}

// Enabled reports whether access control is active.
func (a *Allowlist) Enabled() bool { return a.enabled }

// Allowed reports whether the given client IP may use gated routes.
func (a *Allowlist) Allowed(ip string) bool {
	if !a.enabled {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.addrs[ip]
	return ok
}

// Size returns the current number of allowed addresses.
func (a *Allowlist) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.addrs)
}

// LastRefresh returns the time of the last successful refresh (zero if none).
func (a *Allowlist) LastRefresh() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefresh
}

// Refresh fetches the current IP list and atomically replaces the allow-set
// with it, unioned with the loopback set. On any failure the set is replaced
// with loopback-only: stale device IPs must not stay permissive.
func (a *Allowlist) Refresh(ctx context.Context) error {
	addrs, err := a.fetch(ctx)
	if err != nil {
		a.mu.Lock()
		a.addrs = loopbackSet()
		a.mu.Unlock()
		log.Warn().Err(err).Str("url", a.listURL).Msg("allowlist_refresh_failed_fail_closed")
		return err
	}
	set := loopbackSet()
	for _, ip := range addrs {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			set[ip] = struct{}{}
		}
	}
	a.mu.Lock()
	a.addrs = set
	a.lastRefresh = time.Now()
	a.mu.Unlock()
	log.Info().Int("addresses", len(set)).Msg("allowlist_refreshed")
	return nil
}

func (a *Allowlist) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.listURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching IP list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IP list service returned %d", resp.StatusCode)
	}
	var body ipListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding IP list: %w", err)
	}
	return append(body.IPv4, body.IPv6...), nil
}

// Run refreshes the allow-list every interval for the life of ctx. A failed
// refresh is retried after the shorter retry period instead of waiting a
// full cycle. The initial refresh is expected to have happened already.
func (a *Allowlist) Run(ctx context.Context, interval, retry time.Duration) {
	delay := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := a.Refresh(ctx); err != nil {
			delay = retry
		} else {
			delay = interval
		}
	}
}

func loopbackSet() map[string]struct{} {
	set := make(map[string]struct{}, len(loopbackAddrs))
	for _, ip := range loopbackAddrs {
		set[ip] = struct{}{}
	}
	return set
}

// ClientIP extracts the client address for access-control decisions. Header
// precedence matters under the Cloudflare-tunnel deployment: the tunnel's
// CF-Connecting-IP first, then the first hop of X-Forwarded-For, then
// X-Real-IP, then the raw peer address.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.Split(fwd, ",")[0]
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests from addresses outside the allow-set with a
// structured 403. Compose it per route group; ungated routes (health, the
// picker search) simply do not use it.
func (a *Allowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !a.Allowed(ip) {
			log.Warn().Str("client_ip", ip).Str("path", r.URL.Path).Msg("access_denied")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "access_denied",
				"message": fmt.Sprintf("client address %s is not on the allow-list", ip),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
