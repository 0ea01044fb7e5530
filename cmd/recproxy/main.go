package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "recproxy",
	Short: "Record and playback HTTP proxy for integration tests",
	Long: `recproxy sits between a test suite and the services it calls.

In record mode it forwards traffic upstream and captures every exchange into a
sanitized fixture file; in playback mode it answers the same requests from the
fixture without touching the network. Fixtures can live in a separate git
assets repository pinned by an assets.json file.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server (default)",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.String("host", "", "Listen host")
	flags.IntP("port", "p", 0, "Listen port")
	flags.StringP("storage-location", "l", "", "Root of the source checkout that recordings are relative to")
	flags.Bool("insecure", false, "Skip TLS verification of upstream certificates")
	flags.String("log-level", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.String("output", "", "Interaction output mode (console, json)")
	flags.Bool("silence", false, "Do not print proxied interactions")
	flags.String("assets-driver", "", "Asset store driver (git, local)")
	flags.Bool("events", false, "Enable the websocket event stream at /Admin/Events")

	bindFlags(rootCmd)

	rootCmd.AddCommand(startCmd, versionCmd, restoreCmd, pushCmd, resetCmd, configCmd, listCmd)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	viper.BindPFlag("server.host", flags.Lookup("host"))
	viper.BindPFlag("server.port", flags.Lookup("port"))
	viper.BindPFlag("storage_location", flags.Lookup("storage-location"))
	viper.BindPFlag("forward.tls_insecure_skip_verify", flags.Lookup("insecure"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", flags.Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", flags.Lookup("log-file-path"))
	viper.BindPFlag("log.file_logging.max_size_mb", flags.Lookup("log-file-max-size"))
	viper.BindPFlag("log.file_logging.max_backups", flags.Lookup("log-file-max-backups"))
	viper.BindPFlag("log.file_logging.max_age_days", flags.Lookup("log-file-max-age"))
	viper.BindPFlag("log.file_logging.compress", flags.Lookup("log-file-compress"))
	viper.BindPFlag("output.mode", flags.Lookup("output"))
	viper.BindPFlag("output.silence", flags.Lookup("silence"))
	viper.BindPFlag("assets.driver", flags.Lookup("assets-driver"))
	viper.BindPFlag("events.enable", flags.Lookup("events"))
}

// loadConfig loads and validates configuration. Command line flags have
// the highest priority.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if host, err := flags.GetString("host"); err == nil && host != "" {
		cfg.Server.Host = host
	}
	if port, err := flags.GetInt("port"); err == nil && port != 0 {
		cfg.Server.Port = port
	}
	if location, err := flags.GetString("storage-location"); err == nil && location != "" {
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
		cfg.StorageLocation = location
	}
	if insecure, err := flags.GetBool("insecure"); err == nil && flags.Changed("insecure") {
		cfg.Forward.TLSInsecureSkipVerify = insecure
	}
	if logLevel, err := flags.GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFileEnable, err := flags.GetBool("log-file-enable"); err == nil && flags.Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable = logFileEnable
	}
	if logFilePath, err := flags.GetString("log-file-path"); err == nil && logFilePath != "" {
		cfg.Log.FileLogging.Path = logFilePath
	}
	if logFileSize, err := flags.GetInt("log-file-max-size"); err == nil && logFileSize != 0 {
		cfg.Log.FileLogging.MaxSizeMB = logFileSize
	}
	if logFileBackups, err := flags.GetInt("log-file-max-backups"); err == nil && logFileBackups != 0 {
		cfg.Log.FileLogging.MaxBackups = logFileBackups
	}
	if logFileAge, err := flags.GetInt("log-file-max-age"); err == nil && logFileAge != 0 {
		cfg.Log.FileLogging.MaxAgeDays = logFileAge
	}
	if logFileCompress, err := flags.GetBool("log-file-compress"); err == nil && flags.Changed("log-file-compress") {
		cfg.Log.FileLogging.Compress = logFileCompress
	}
	if mode, err := flags.GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}
	if silence, err := flags.GetBool("silence"); err == nil && flags.Changed("silence") {
		cfg.Output.Silence = silence
	}
	if driver, err := flags.GetString("assets-driver"); err == nil && driver != "" {
		cfg.Assets.Driver = driver
	}
	if events, err := flags.GetBool("events"); err == nil && flags.Changed("events") {
		cfg.Events.Enable = events
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	if cfg.Output.Mode != "json" {
		printStartupBanner(os.Stdout, cfg)
	}
	log.Info("recproxy starting",
		"version", version,
		"addr", cfg.Addr(),
		"storage_location", cfg.StorageLocation,
		"assets_driver", cfg.Assets.Driver,
		"journal_driver", cfg.Journal.Driver,
		"log_level", cfg.Log.Level,
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	return srv.Start()
}

func showVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "recproxy version %s\n", version)
	fmt.Fprintf(out, "Commit: %s\n", commit)
	fmt.Fprintf(out, "Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
