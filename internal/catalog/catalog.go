// Package catalog maintains the in-memory list of searchable comic series,
// refreshed periodically from the Comic Vine /volumes endpoint, and the
// seeded random-sample read path used for rendering covers.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fetcher issues paced calls to the Comic Vine API. Satisfied by
// *upstream.Client; tests substitute a fake.
type Fetcher interface {
	Get(ctx context.Context, path string, query url.Values) (map[string]any, error)
}

// Entry is one searchable series.
type Entry struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	StartYear  string `json:"start_year,omitempty"`
	IssueCount int    `json:"issue_count"`
	Publisher  string `json:"publisher_name"`
}

// Label is the display string the plugin picker shows for a series.
func (e Entry) Label() string {
	if e.StartYear != "" {
		return fmt.Sprintf("%s (%s) - %d issues [%s]", e.Name, e.StartYear, e.IssueCount, e.Publisher)
	}
	return fmt.Sprintf("%s - %d issues [%s]", e.Name, e.IssueCount, e.Publisher)
}

// Cache holds the catalog snapshot. Refresh swaps the snapshot wholesale;
// a failed refresh keeps the previous one (unlike the allow-list, which
// fails closed — the asymmetry is deliberate).
type Cache struct {
	mu          sync.RWMutex
	entries     []Entry
	lastRefresh time.Time

	fetcher Fetcher
	max     int
}

// DefaultSearchLimit caps search results when the caller gives no limit.
const DefaultSearchLimit = 25

// New returns an empty catalog capped at max entries.
func New(fetcher Fetcher, max int) *Cache {
	return &Cache{fetcher: fetcher, max: max}
}

// Len returns the number of catalog entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LastRefresh returns the time of the last successful refresh (zero if none).
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Search returns up to limit entries whose name or publisher contains query,
// case-insensitively. An empty query returns the first limit entries of the
// sorted catalog: alphabetically first, not most popular.
func (c *Cache) Search(query string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, limit)
	for _, e := range c.entries {
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.Name), needle) &&
			!strings.Contains(strings.ToLower(e.Publisher), needle) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// replace installs a new snapshot, sorted case-insensitively by name.
func (c *Cache) replace(entries []Entry, refreshedAt time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	c.mu.Lock()
	c.entries = entries
	if !refreshedAt.IsZero() {
		c.lastRefresh = refreshedAt
	}
	c.mu.Unlock()
}

// issueCount returns the cached issue count for a series, 0 if unknown.
func (c *Cache) issueCount(id int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.ID == id {
			return e.IssueCount
		}
	}
	return 0
}

// Run refreshes the catalog every interval for the life of ctx, retrying
// after the shorter retry period when a refresh fails.
func (c *Cache) Run(ctx context.Context, interval, retry time.Duration) {
	delay := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := c.Refresh(ctx); err != nil {
			delay = retry
		} else {
			delay = interval
		}
	}
}
