package upstream

import (
	"net/url"
	"strings"
)

// AssetHost is the host serving Comic Vine cover images.
const AssetHost = "comicvine.gamespot.com"

// AssetPathPrefix is the CDN upload path all cover images live under.
const AssetPathPrefix = "/a/uploads/"

// imageURLFields are the per-result image variants Comic Vine embeds.
var imageURLFields = []string{
	"small_url", "medium_url", "screen_url", "original_url",
	"icon_url", "tiny_url", "thumb_url", "super_url",
}

// ValidAssetURL reports whether u points at the Comic Vine image CDN.
func ValidAssetURL(u *url.URL) bool {
	return u != nil &&
		(u.Scheme == "http" || u.Scheme == "https") &&
		strings.EqualFold(u.Host, AssetHost) &&
		strings.HasPrefix(u.Path, AssetPathPrefix)
}

// RewriteImageURLs rewrites, in place, every known image field of every
// result in a Comic Vine API payload to route through this gateway's /image
// endpoint, carrying the original URL as a query parameter.
//
// The rewrite is idempotent: URLs already pointing at baseURL are left
// untouched (loop prevention), as are URLs not on the Comic Vine asset host.
func RewriteImageURLs(payload map[string]any, baseURL string) {
	results, ok := payload["results"].([]any)
	if !ok {
		// Single-resource endpoints return an object instead of a list.
		if result, ok := payload["results"].(map[string]any); ok {
			RewriteResultImages(result, baseURL)
		}
		return
	}
	for _, r := range results {
		result, ok := r.(map[string]any)
		if !ok {
			continue
		}
		RewriteResultImages(result, baseURL)
	}
}

// RewriteResultImages rewrites the image fields of a single result object.
func RewriteResultImages(result map[string]any, baseURL string) {
	image, ok := result["image"].(map[string]any)
	if !ok {
		return
	}
	for _, field := range imageURLFields {
		raw, ok := image[field].(string)
		if !ok || raw == "" {
			continue
		}
		image[field] = rewriteOne(raw, baseURL)
	}
}

func rewriteOne(raw, baseURL string) string {
	if strings.HasPrefix(raw, baseURL+"/image") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || !ValidAssetURL(u) {
		return raw
	}
	return baseURL + "/image?url=" + url.QueryEscape(raw)
}
