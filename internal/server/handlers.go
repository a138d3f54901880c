package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/catalog"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/imagecache"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/telemetry"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/upstream"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name": "trmnl-comic-book-covers proxy",
		"routes": map[string]string{
			"GET /image?url=":                     "proxy a Comic Vine cover image",
			"GET /comic-book-covers/api/issues":   "forward an issues query, image links rewritten",
			"GET|POST /search?query=&limit=":      "search the series catalog",
			"GET /render?ids=&count=&seed=":       "sample random issues from one or more series",
			"GET /health":                         "status and cache sizes",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"image_cache": map[string]any{
			"size": s.images.Len(),
		},
		"catalog": map[string]any{
			"size":         s.catalog.Len(),
			"last_refresh": refreshStamp(s.catalog.LastRefresh()),
		},
		"access_control": map[string]any{
			"enabled":      s.allowlist.Enabled(),
			"size":         s.allowlist.Size(),
			"last_refresh": refreshStamp(s.allowlist.LastRefresh()),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func refreshStamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url parameter")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Double-encoded links from older plugin versions.
		if dec, decErr := url.QueryUnescape(raw); decErr == nil {
			raw = dec
			u, err = url.Parse(raw)
		}
	}
	if err != nil || u == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "url parameter is not a valid URL")
		return
	}
	if s.isOwnHost(r, u.Host) {
		writeError(w, http.StatusBadRequest, "bad_request", "refusing to proxy this gateway's own URLs")
		return
	}
	if !upstream.ValidAssetURL(u) {
		writeError(w, http.StatusBadRequest, "bad_request", "url must point at the Comic Vine image CDN")
		return
	}

	img, err := s.images.GetOrFetch(r.Context(), raw)
	if err != nil {
		if errors.Is(err, imagecache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "image not found upstream")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "image fetch failed")
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Body)))
	_, _ = w.Write(img.Body)
}

// isOwnHost reports whether host names this gateway itself, directly or via
// the configured public URL. Proxying such a URL would recurse.
func (s *Server) isOwnHost(r *http.Request, host string) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(host, r.Host) {
		return true
	}
	if s.publicURL != "" {
		if pu, err := url.Parse(s.publicURL); err == nil && strings.EqualFold(host, pu.Host) {
			return true
		}
	}
	return false
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := s.client.Get(ctx, "/issues", r.URL.Query())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	upstream.RewriteImageURLs(payload, s.baseURL(r))
	if results, ok := payload["results"].([]any); ok {
		log.Info().Int("results", len(results)).Func(telemetry.LogTraceFields(ctx)).Msg("issues_forwarded")
	}
	writeJSON(w, http.StatusOK, payload)
}

// writeUpstreamError maps upstream client failures onto the gateway's error
// taxonomy. A 403 from Comic Vine gets a diagnostic payload naming the
// likely cause instead of raw upstream text.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, upstream.ErrBlocked):
		log.Error().Err(err).Func(telemetry.LogTraceFields(ctx)).Msg("upstream_blocked")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "upstream_blocked",
			"message": "Comic Vine returned 403: this server's IP is most likely blocked by its anti-bot protection",
			"hints": []string{
				"verify the server's public IP is not on a datacenter blocklist",
				"route outbound traffic through a residential proxy (COMIC_PROXY_URL)",
				"confirm the api_key is valid for this deployment",
			},
		})
	case errors.Is(err, upstream.ErrMalformed):
		log.Error().Err(err).Func(telemetry.LogTraceFields(ctx)).Msg("upstream_malformed")
		writeError(w, http.StatusBadGateway, "malformed_upstream", "Comic Vine answered but the response was not valid JSON")
	default:
		log.Error().Err(err).Func(telemetry.LogTraceFields(ctx)).Msg("upstream_unavailable")
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "error proxying the Comic Vine API")
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResult struct {
	catalog.Entry
	Label string `json:"label"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
			return
		}
	} else {
		req.Query = r.URL.Query().Get("query")
		if req.Query == "" {
			req.Query = r.URL.Query().Get("q")
		}
		req.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = catalog.DefaultSearchLimit
	}

	entries := s.catalog.Search(req.Query, req.Limit)
	results := make([]searchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, searchResult{Entry: e, Label: e.Label()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	idsParam := strings.TrimSpace(q.Get("ids"))
	if idsParam == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing ids parameter")
		return
	}
	var ids []int
	for _, part := range strings.Split(idsParam, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "ids must be positive integers separated by commas")
			return
		}
		ids = append(ids, id)
	}

	count := 1
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 25 {
			writeError(w, http.StatusBadRequest, "bad_request", "count must be between 1 and 25")
			return
		}
		count = n
	}

	seed := time.Now().UnixNano()
	if v := q.Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "seed must be an integer")
			return
		}
		seed = n
	}

	issues, err := s.catalog.Sample(r.Context(), seed, count, ids, s.baseURL(r))
	if err != nil {
		if errors.Is(err, catalog.ErrNoSeries) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seed":   seed,
		"count":  len(issues),
		"issues": issues,
	})
}
