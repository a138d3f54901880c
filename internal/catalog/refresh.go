package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const pageSize = 100

// Refresh performs a full paginated fetch of the most popular volumes and
// atomically swaps the result in. Only a fully-collected result replaces the
// previous snapshot; a failure mid-loop discards the partial result.
func (c *Cache) Refresh(ctx context.Context) error {
	collected := make([]Entry, 0, c.max)
	for offset := 0; ; offset += pageSize {
		q := url.Values{
			"limit":      {strconv.Itoa(pageSize)},
			"offset":     {strconv.Itoa(offset)},
			"field_list": {"id,name,start_year,count_of_issues,publisher"},
			"sort":       {"count_of_issues:desc"},
		}
		payload, err := c.fetcher.Get(ctx, "/volumes", q)
		if err != nil {
			log.Warn().Err(err).Int("offset", offset).Int("collected", len(collected)).
				Msg("catalog_refresh_failed_keeping_snapshot")
			return fmt.Errorf("fetching volumes page at offset %d: %w", offset, err)
		}
		results, _ := payload["results"].([]any)
		for _, r := range results {
			if e, ok := parseEntry(r); ok {
				collected = append(collected, e)
			}
		}
		// A short page is the end-of-data signal.
		if len(results) < pageSize || len(collected) >= c.max {
			break
		}
	}
	if len(collected) > c.max {
		collected = collected[:c.max]
	}
	c.replace(collected, time.Now())
	log.Info().Int("entries", len(collected)).Msg("catalog_refreshed")
	return nil
}

// parseEntry converts one raw volume object, rejecting entries with a
// missing id or name or fewer than one issue.
func parseEntry(raw any) (Entry, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		ID:         asInt(m["id"]),
		Name:       asString(m["name"]),
		StartYear:  asString(m["start_year"]),
		IssueCount: asInt(m["count_of_issues"]),
		Publisher:  "Unknown",
	}
	if pub, ok := m["publisher"].(map[string]any); ok {
		if name := asString(pub["name"]); name != "" {
			e.Publisher = name
		}
	}
	if e.ID == 0 || e.Name == "" || e.IssueCount < 1 {
		return Entry{}, false
	}
	return e, true
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

// seedEntry matches the offline dataset generator's JSON shape, which names
// the count field differently from the live API.
type seedEntry struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	StartYear     any    `json:"start_year"`
	IssueCount    int    `json:"issue_count"`
	CountOfIssues int    `json:"count_of_issues"`
	Publisher     string `json:"publisher_name"`
}

// LoadSeedFile pre-fills the catalog from a locally generated dataset so
// search works before the first network refresh completes. The seed does not
// count as a refresh for status reporting.
func (c *Cache) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog seed: %w", err)
	}
	var raw []seedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing catalog seed: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, s := range raw {
		count := s.IssueCount
		if count == 0 {
			count = s.CountOfIssues
		}
		e := Entry{
			ID:         s.ID,
			Name:       s.Name,
			StartYear:  asString(s.StartYear),
			IssueCount: count,
			Publisher:  s.Publisher,
		}
		if e.Publisher == "" {
			e.Publisher = "Unknown"
		}
		if e.ID == 0 || e.Name == "" || e.IssueCount < 1 {
			continue
		}
		entries = append(entries, e)
		if len(entries) == c.max {
			break
		}
	}
	c.replace(entries, time.Time{})
	log.Info().Int("entries", len(entries)).Str("file", path).Msg("catalog_seeded")
	return nil
}
