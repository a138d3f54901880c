// Package config holds operator-level configuration for the comic proxy.
//
// Everything here is infrastructure config set by whoever deploys the
// gateway, not plugin or end-user settings. Values come from env vars with
// the COMIC prefix (e.g. "vine_api_key" → COMIC_VINE_API_KEY, matching the
// variable the offline dataset scripts already use) or from a
// comicproxy.config.yaml file.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the COMIC prefix
// (e.g. "allowlist_url" → COMIC_ALLOWLIST_URL) and to a YAML field in
// comicproxy.config.yaml.
const (
	KeyVineAPIKey       = "vine_api_key"
	KeyAccessControl    = "access_control"
	KeyAllowlistURL     = "allowlist_url"
	KeyAllowlistRefresh = "allowlist_refresh"
	KeyCatalogRefresh   = "catalog_refresh"
	KeyCatalogMax       = "catalog_max"
	KeyCatalogSeedFile  = "catalog_seed_file"
	KeyImageCacheSize   = "image_cache_size"
	KeyUpstreamInterval = "upstream_interval"
	KeyProxyURL         = "proxy_url"
	KeyPublicURL        = "public_url"
)

const (
	DefaultAllowlistURL     = "https://usetrmnl.com/api/ips"
	DefaultAllowlistRefresh = 24 * time.Hour
	DefaultCatalogRefresh   = 12 * time.Hour
	DefaultCatalogMax       = 1000
	DefaultImageCacheSize   = 200
	DefaultUpstreamInterval = time.Second

	// MaxCatalogEntries is the hard cap on the catalog regardless of config.
	MaxCatalogEntries = 5000
)

// Config holds resolved operator configuration for a comicproxy process.
type Config struct {
	VineAPIKey       string        // Comic Vine API credential, injected into forwarded calls
	AccessControl    bool          // Gate inbound routes by the TRMNL allow-list
	AllowlistURL     string        // IP-list service returning {"ipv4": [...], "ipv6": [...]}
	AllowlistRefresh time.Duration // Allow-list refresh period
	CatalogRefresh   time.Duration // Catalog refresh period
	CatalogMax       int           // Max catalog entries kept in memory
	CatalogSeedFile  string        // Optional local dataset to pre-fill the catalog
	ImageCacheSize   int           // LRU capacity of the image cache
	UpstreamInterval time.Duration // Minimum spacing between Comic Vine API calls
	ProxyURL         string        // Optional outbound HTTP/HTTPS proxy
	PublicURL        string        // Optional fixed base URL for rewritten image links
}

func init() {
	viper.SetEnvPrefix("COMIC")
	viper.AutomaticEnv()
	viper.SetDefault(KeyAccessControl, true)
	viper.SetDefault(KeyAllowlistURL, DefaultAllowlistURL)
	viper.SetDefault(KeyAllowlistRefresh, DefaultAllowlistRefresh)
	viper.SetDefault(KeyCatalogRefresh, DefaultCatalogRefresh)
	viper.SetDefault(KeyCatalogMax, DefaultCatalogMax)
	viper.SetDefault(KeyImageCacheSize, DefaultImageCacheSize)
	viper.SetDefault(KeyUpstreamInterval, DefaultUpstreamInterval)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		VineAPIKey:       viper.GetString(KeyVineAPIKey),
		AccessControl:    viper.GetBool(KeyAccessControl),
		AllowlistURL:     viper.GetString(KeyAllowlistURL),
		AllowlistRefresh: viper.GetDuration(KeyAllowlistRefresh),
		CatalogRefresh:   viper.GetDuration(KeyCatalogRefresh),
		CatalogMax:       viper.GetInt(KeyCatalogMax),
		CatalogSeedFile:  viper.GetString(KeyCatalogSeedFile),
		ImageCacheSize:   viper.GetInt(KeyImageCacheSize),
		UpstreamInterval: viper.GetDuration(KeyUpstreamInterval),
		ProxyURL:         viper.GetString(KeyProxyURL),
		PublicURL:        viper.GetString(KeyPublicURL),
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CatalogMax < 1 || c.CatalogMax > MaxCatalogEntries {
		return fmt.Errorf("catalog_max must be between 1 and %d (got %d)", MaxCatalogEntries, c.CatalogMax)
	}
	if c.ImageCacheSize < 1 {
		return fmt.Errorf("image_cache_size must be positive (got %d)", c.ImageCacheSize)
	}
	if c.UpstreamInterval <= 0 {
		return fmt.Errorf("upstream_interval must be positive (got %s)", c.UpstreamInterval)
	}
	if c.AllowlistRefresh <= 0 {
		return fmt.Errorf("allowlist_refresh must be positive (got %s)", c.AllowlistRefresh)
	}
	if c.CatalogRefresh <= 0 {
		return fmt.Errorf("catalog_refresh must be positive (got %s)", c.CatalogRefresh)
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("proxy_url is not a valid URL: %w", err)
		}
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public_url must be an absolute URL (got %q)", c.PublicURL)
		}
	}
	return nil
}
