package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/upstream"
)

// ErrNoSeries is returned when Sample is called without series ids.
var ErrNoSeries = errors.New("no series ids supplied")

// Sample fetches live issue data for the given series, choosing a seeded
// pseudo-random offset per series so repeated calls with the same seed
// return the same issues. For a single series it fetches count issues in one
// call; for multiple series it round-robins one issue per series, cycling
// the series list when count exceeds it. Image URLs in the returned issues
// are rewritten to route through baseURL.
func (c *Cache) Sample(ctx context.Context, seed int64, count int, ids []int, baseURL string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, ErrNoSeries
	}
	if count < 1 {
		count = 1
	}
	rng := rand.New(rand.NewSource(seed))

	if len(ids) == 1 {
		return c.sampleSingle(ctx, rng, ids[0], count, baseURL)
	}
	return c.sampleRoundRobin(ctx, rng, ids, count, baseURL)
}

func (c *Cache) sampleSingle(ctx context.Context, rng *rand.Rand, id, count int, baseURL string) ([]map[string]any, error) {
	offset := randomOffset(rng, c.issueCount(id), count)
	issues, err := c.fetchIssues(ctx, id, count, offset, baseURL)
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Cache) sampleRoundRobin(ctx context.Context, rng *rand.Rand, ids []int, count int, baseURL string) ([]map[string]any, error) {
	// Consume the generator in ids order so the offsets are reproducible
	// regardless of how many issues end up being requested.
	offsets := make(map[int]int, len(ids))
	for _, id := range ids {
		if _, ok := offsets[id]; !ok {
			offsets[id] = randomOffset(rng, c.issueCount(id), 1)
		}
	}
	out := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		id := ids[i%len(ids)]
		// Cycling past the series list takes the next issue after the
		// series' chosen offset.
		offset := offsets[id] + i/len(ids)
		issues, err := c.fetchIssues(ctx, id, 1, offset, baseURL)
		if err != nil {
			return nil, err
		}
		if len(issues) > 0 {
			out = append(out, issues[0])
		}
	}
	return out, nil
}

// randomOffset picks an offset leaving room for take issues when the total
// is known; an unknown or too-small total pins the offset to 0.
func randomOffset(rng *rand.Rand, total, take int) int {
	span := total - take
	if span < 1 {
		return 0
	}
	return rng.Intn(span + 1)
}

func (c *Cache) fetchIssues(ctx context.Context, volumeID, limit, offset int, baseURL string) ([]map[string]any, error) {
	q := url.Values{
		"filter":     {fmt.Sprintf("volume:%d", volumeID)},
		"limit":      {strconv.Itoa(limit)},
		"offset":     {strconv.Itoa(offset)},
		"field_list": {"id,name,issue_number,volume,image,cover_date"},
		"sort":       {"cover_date:asc"},
	}
	payload, err := c.fetcher.Get(ctx, "/issues", q)
	if err != nil {
		return nil, fmt.Errorf("fetching issues for volume %d: %w", volumeID, err)
	}
	results, _ := payload["results"].([]any)
	issues := make([]map[string]any, 0, len(results))
	for _, r := range results {
		issue, ok := r.(map[string]any)
		if !ok {
			continue
		}
		upstream.RewriteResultImages(issue, baseURL)
		issues = append(issues, issue)
	}
	return issues, nil
}
