package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/accesscontrol"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/catalog"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/config"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/imagecache"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/server"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/upstream"
)

// refreshRetry is the shorter backoff used by both background refreshers
// after a failed cycle.
const refreshRetry = time.Hour

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and its background refreshers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 5000, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.VineAPIKey == "" {
		log.Warn().Msg("COMIC_VINE_API_KEY is not set; catalog refresh and render will fail unless callers supply their own key")
	}

	transport, err := outboundTransport(cfg)
	if err != nil {
		return err
	}

	pacer := upstream.NewPacer(cfg.UpstreamInterval)
	client := upstream.NewClient(cfg.VineAPIKey, pacer,
		upstream.WithHTTPClient(&http.Client{Timeout: 20 * time.Second, Transport: transport}))

	images, err := imagecache.New(cfg.ImageCacheSize, &http.Client{Timeout: 15 * time.Second, Transport: transport})
	if err != nil {
		return fmt.Errorf("creating image cache: %w", err)
	}

	allow := accesscontrol.New(cfg.AccessControl, cfg.AllowlistURL,
		&http.Client{Timeout: 10 * time.Second, Transport: transport})

	cat := catalog.New(client, cfg.CatalogMax)
	if cfg.CatalogSeedFile != "" {
		if err := cat.LoadSeedFile(cfg.CatalogSeedFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.CatalogSeedFile).Msg("catalog_seed_load_failed")
		}
	}

	// Both caches are primed before the gateway accepts traffic. A failed
	// allow-list refresh has already failed closed to loopback-only; a
	// failed catalog refresh keeps the seed (or empty) snapshot.
	if cfg.AccessControl {
		if err := allow.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("initial allow-list refresh failed, serving loopback-only")
		}
	}
	if err := cat.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial catalog refresh failed")
	}

	if cfg.AccessControl {
		go allow.Run(ctx, cfg.AllowlistRefresh, refreshRetry)
	}
	go cat.Run(ctx, cfg.CatalogRefresh, refreshRetry)

	var opts []server.Option
	if cfg.PublicURL != "" {
		opts = append(opts, server.WithPublicURL(cfg.PublicURL))
	}
	srv := server.New(images, client, cat, allow, opts...)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", servePort).
			Bool("access_control", cfg.AccessControl).
			Int("catalog_entries", cat.Len()).
			Msg("gateway_listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// outboundTransport builds the shared transport for all upstream traffic,
// honoring the optional configured proxy (Comic Vine blocks many datacenter
// IP ranges; operators route around that with a proxy).
func outboundTransport(cfg *config.Config) (*http.Transport, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy_url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Info().Str("proxy", proxyURL.Host).Msg("outbound_proxy_enabled")
	}
	return transport, nil
}
