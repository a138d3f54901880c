// Package cmd implements the comicproxy CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/telemetry"
)

var (
	// otelShutdown holds the OTel shutdown function, called from Execute()
	otelShutdown func(context.Context) error

	// Version info injected via ldflags at build time
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	// Global flags
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

// resolvedVersion returns Version unless it is "dev" and Go build info
// contains a real module version (e.g. from go install ...@latest).
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

var rootCmd = &cobra.Command{
	Use:   "comicproxy",
	Short: "Caching gateway between the TRMNL comic covers plugin and Comic Vine",
	Long: `comicproxy shields the Comic Vine API and its image CDN from direct
access by the TRMNL comic covers plugin:

- proxies cover images past hotlink protection, with an in-memory LRU cache
- forwards metadata queries, rewriting image links to route back through it
- paces all outbound API calls to stay under Comic Vine's anti-bot limits
- keeps a periodically refreshed series catalog for the plugin's picker
- gates inbound routes by the published TRMNL server IP list`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		otelEnabled := otelFlag || verbose || os.Getenv("COMIC_OTEL_ENABLED") == "true"
		shutdown, err := telemetry.Setup("comicproxy", resolvedVersion(), otelEnabled)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Structured logs go to stderr so stdout stays clean for piping.
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./comicproxy.config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stdout)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("otel", rootCmd.PersistentFlags().Lookup("otel"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("comicproxy.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("COMIC")
	viper.AutomaticEnv()

	// The config file is optional.
	_ = viper.ReadInConfig()
}

// Execute runs the root command and flushes OTel on exit.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
