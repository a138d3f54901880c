package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/accesscontrol"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/catalog"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/imagecache"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/upstream"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// cdnStub serves canned image bytes for any request and counts round trips.
func cdnStub(hits *atomic.Int32) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hits.Add(1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("image-bytes"))),
			Header:     make(http.Header),
		}, nil
	})}
}

type testEnv struct {
	handler http.Handler
	cdnHits *atomic.Int32
}

func newTestEnv(t *testing.T, api http.HandlerFunc, gated bool) *testEnv {
	t.Helper()
	var hits atomic.Int32

	images, err := imagecache.New(10, cdnStub(&hits))
	require.NoError(t, err)

	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	client := upstream.NewClient("test-key", upstream.NewPacer(time.Millisecond), upstream.WithBaseURL(ts.URL))

	cat := catalog.New(client, 1000)
	allow := accesscontrol.New(gated, "http://unused.invalid", nil)

	srv := New(images, client, cat, allow)
	return &testEnv{handler: srv.Routes(), cdnHits: &hits}
}

func noAPI(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected upstream API call")
	}
}

func do(env *testEnv, method, target string, body io.Reader) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	r.RemoteAddr = "127.0.0.1:5000"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

const cdnURL = "https://comicvine.gamespot.com/a/uploads/scale_small/6/67663/cover.jpg"

func TestImageRejectsMissingURL(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)
	w := do(env, http.MethodGet, "/image", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), env.cdnHits.Load())
}

func TestImageRejectsForeignDomainWithoutFetching(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)
	w := do(env, http.MethodGet, "/image?url="+url.QueryEscape("https://evil.example.com/a/uploads/x.jpg"), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), env.cdnHits.Load(), "no outbound call for invalid domains")
}

func TestImageRejectsWrongPathPrefix(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)
	w := do(env, http.MethodGet, "/image?url="+url.QueryEscape("https://comicvine.gamespot.com/forums/post.jpg"), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(0), env.cdnHits.Load())
}

func TestImageRejectsOwnHost(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)
	// httptest requests carry Host example.com.
	w := do(env, http.MethodGet, "/image?url="+url.QueryEscape("http://example.com/image?url=foo"), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "own")
	assert.Equal(t, int32(0), env.cdnHits.Load())
}

func TestImageServedAndCached(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)

	first := do(env, http.MethodGet, "/image?url="+url.QueryEscape(cdnURL), nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "image/jpeg", first.Header().Get("Content-Type"))
	assert.Equal(t, "image-bytes", first.Body.String())

	second := do(env, http.MethodGet, "/image?url="+url.QueryEscape(cdnURL), nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), env.cdnHits.Load(), "second request must hit the cache")
}

func TestImageAcceptsDoubleEncodedURL(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)
	w := do(env, http.MethodGet, "/image?url="+url.QueryEscape(url.QueryEscape(cdnURL)), nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIssuesForwardRewritesImages(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "volume:100", r.URL.Query().Get("filter"))
		json.NewEncoder(w).Encode(map[string]any{
			"status_code": 1,
			"results": []any{
				map[string]any{
					"id":    42,
					"image": map[string]any{"small_url": cdnURL},
				},
			},
		})
	}, false)

	w := do(env, http.MethodGet, "/comic-book-covers/api/issues?filter=volume:100", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	results := payload["results"].([]any)
	image := results[0].(map[string]any)["image"].(map[string]any)
	assert.Equal(t, "http://example.com/image?url="+url.QueryEscape(cdnURL), image["small_url"])
}

func TestIssuesUpstreamBlockedDiagnostic(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}, false)

	w := do(env, http.MethodGet, "/comic-book-covers/api/issues", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upstream_blocked", body["error"])
	assert.Contains(t, body["message"], "blocked")
	assert.NotEmpty(t, body["hints"])
}

func TestIssuesMalformedUpstream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>down for maintenance</html>"))
	}, false)

	w := do(env, http.MethodGet, "/comic-book-covers/api/issues", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "malformed_upstream", body["error"])
}

func TestSearchIsReachableWithoutAccessControl(t *testing.T) {
	env := newTestEnv(t, noAPI(t), true)

	r := httptest.NewRequest(http.MethodGet, "/search?query=alpha", nil)
	r.RemoteAddr = "198.51.100.9:4711" // not on the allow-list
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code, "search serves the client-facing picker ungated")
}

func TestGatedRoutesDenyUnknownClients(t *testing.T) {
	env := newTestEnv(t, noAPI(t), true)

	for _, target := range []string{
		"/image?url=" + url.QueryEscape(cdnURL),
		"/comic-book-covers/api/issues",
		"/render?ids=100",
	} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		r.RemoteAddr = "198.51.100.9:4711"
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code, target)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "access_denied", body["error"], target)
	}
	assert.Equal(t, int32(0), env.cdnHits.Load())
}

func TestSearchPostBody(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)

	w := do(env, http.MethodPost, "/search", strings.NewReader(`{"query": "anything", "limit": 5}`))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string][]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body["results"], "empty catalog yields empty results")
}

func TestRenderValidatesParameters(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)

	cases := []string{
		"/render",
		"/render?ids=",
		"/render?ids=abc",
		"/render?ids=100,-2",
		"/render?ids=100&count=0",
		"/render?ids=100&count=9999",
		"/render?ids=100&seed=notanumber",
	}
	for _, target := range cases {
		w := do(env, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestRenderSamplesIssues(t *testing.T) {
	api := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/issues", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"id":    1,
					"name":  "Issue #1",
					"image": map[string]any{"original_url": cdnURL},
				},
			},
		})
	}
	env := newTestEnv(t, api, false)

	w := do(env, http.MethodGet, "/render?ids=100&count=1&seed=42", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(42), body["seed"])
	assert.Equal(t, float64(1), body["count"])
	issues := body["issues"].([]any)
	image := issues[0].(map[string]any)["image"].(map[string]any)
	assert.Contains(t, image["original_url"], "http://example.com/image?url=")
}

func TestHealthReportsComponentState(t *testing.T) {
	env := newTestEnv(t, noAPI(t), true)

	w := do(env, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	ac := body["access_control"].(map[string]any)
	assert.Equal(t, true, ac["enabled"])
	assert.Equal(t, float64(3), ac["size"], "loopback-only before first refresh")
	assert.Nil(t, ac["last_refresh"])

	cat := body["catalog"].(map[string]any)
	assert.Equal(t, float64(0), cat["size"])
}

func TestIndexListsRoutes(t *testing.T) {
	env := newTestEnv(t, noAPI(t), false)

	w := do(env, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/image")
	assert.Contains(t, w.Body.String(), "/render")
}
