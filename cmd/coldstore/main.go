// coldstore is an S3-compatible object store that archives cold objects to tape.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/coldstore/internal/config"
	"github.com/zombar/coldstore/internal/logging/loki"
	"github.com/zombar/coldstore/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	args := os.Args[1:]
	serviceMode := svc.IsServiceMode(os.Args)
	if serviceMode {
		args = svc.StripRunFlag(args)
	}

	rootCmd := newRootCmd(serviceMode)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(serviceMode bool) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coldstore",
		Short: "S3-compatible object storage with tape archival",
		Long: `coldstore serves an S3 API over a hot disk tier and moves demoted objects
to tape in bundles. Cold objects are read back into a restore cache on request.

  # Run in the foreground:
  coldstore serve --config /etc/coldstore/config.yaml

  # Install as a system service:
  sudo coldstore service install --config /etc/coldstore/config.yaml`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Stderr)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")

	rootCmd.AddCommand(
		newServeCmd(serviceMode),
		newServiceCmd(),
		newAdminCmd(),
		newTapeCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// setupLogging configures the global logger from the flags.
func setupLogging(out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if logFormat == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}

// applyLoggingConfig lets the config file set level and format where no flag did, and starts
// Loki shipping when enabled. The returned function flushes and stops the Loki writer.
func applyLoggingConfig(cfg config.LoggingConfig, out io.Writer) func() {
	if logLevel == "" && cfg.Level != "" {
		logLevel = cfg.Level
	}
	if logFormat == "" && cfg.Format != "" {
		logFormat = cfg.Format
	}
	setupLogging(out)

	if !cfg.Loki.Enabled {
		return func() {}
	}
	hostname, _ := os.Hostname()
	w := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: config.Secs(cfg.Loki.FlushIntervalSecs),
		Labels: map[string]string{
			"host":    hostname,
			"version": Version,
		},
	})
	w.Start()

	// Loki receives JSON lines regardless of the console format.
	var console io.Writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	if logFormat == "json" {
		console = out
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, w)).With().Timestamp().Logger()
	log.Info().Str("url", cfg.Loki.URL).Msg("loki log shipping enabled")
	return w.Stop
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "coldstore %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
			_, _ = fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads and validates the config named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
