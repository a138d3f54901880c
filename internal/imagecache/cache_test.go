package imagecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrFetchCachesSecondRequest(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Contains(t, r.Header.Get("Accept"), "image/")
		assert.Equal(t, "https://comicvine.gamespot.com/", r.Header.Get("Referer"))
		w.Write([]byte("jpeg-bytes"))
	}))
	defer ts.Close()

	c, err := New(10, ts.Client())
	require.NoError(t, err)

	first, err := c.GetOrFetch(context.Background(), ts.URL+"/cover.jpg")
	require.NoError(t, err)
	second, err := c.GetOrFetch(context.Background(), ts.URL+"/cover.jpg")
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), hits.Load(), "second request must be a cache hit")
	assert.Equal(t, 1, c.Len())
}

func TestGetOrFetchDoesNotCacheFailures(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer ts.Close()

	c, err := New(10, ts.Client())
	require.NoError(t, err)

	_, err = c.GetOrFetch(context.Background(), ts.URL+"/missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetOrFetch(context.Background(), ts.URL+"/missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int32(2), hits.Load(), "failures must not be memoized")
	assert.Equal(t, 0, c.Len())
}

func TestGetOrFetchTransportErrorIsNotFound(t *testing.T) {
	c, err := New(10, nil)
	require.NoError(t, err)

	_, err = c.GetOrFetch(context.Background(), "http://127.0.0.1:1/unreachable.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrFetchCollapsesConcurrentMisses(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte("bytes"))
	}))
	defer ts.Close()

	c, err := New(10, ts.Client())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := c.GetOrFetch(context.Background(), ts.URL+"/same.jpg")
			assert.NoError(t, err)
			assert.Equal(t, []byte("bytes"), img.Body)
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load(), "concurrent misses should share one fetch")
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer ts.Close()

	c, err := New(2, ts.Client())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.GetOrFetch(context.Background(), fmt.Sprintf("%s/cover-%d.jpg", ts.URL, i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"https://comicvine.gamespot.com/a/uploads/cover.png":      "image/png",
		"https://comicvine.gamespot.com/a/uploads/cover.PNG":      "image/png",
		"https://comicvine.gamespot.com/a/uploads/cover.webp":     "image/webp",
		"https://comicvine.gamespot.com/a/uploads/cover.gif":      "image/gif",
		"https://comicvine.gamespot.com/a/uploads/cover.jpg":      "image/jpeg",
		"https://comicvine.gamespot.com/a/uploads/cover.jpeg":     "image/jpeg",
		"https://comicvine.gamespot.com/a/uploads/cover":          "image/jpeg",
		"https://comicvine.gamespot.com/a/uploads/cover.png?x=1":  "image/png",
		"https://comicvine.gamespot.com/a/uploads/cover.unknown":  "image/jpeg",
	}
	for rawURL, want := range cases {
		assert.Equal(t, want, ContentTypeFor(rawURL), rawURL)
	}
}
