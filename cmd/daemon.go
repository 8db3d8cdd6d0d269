package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hibiki-player/hibiki/internal/config"
	"github.com/hibiki-player/hibiki/internal/daemon"
)

var (
	daemonLogFile  string
	daemonLogLevel string
	daemonSource   string
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the playback daemon",
	Long: `Run the playback daemon in the foreground.

The daemon will:
- Play the configured source: the LISTEN.moe radio stream or a local library
- Mirror the current song to Discord Rich Presence (if enabled)
- Relay song changes to an ikurabot instance (if enabled)
- Write the now-playing state to a JSON file for the 'now' command
- Record plays in a SQLite play log
- Handle graceful shutdown on SIGINT/SIGTERM

The daemon logs to stderr by default. Use the --log-file flag to log
to a file (useful for launchd).`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "Log file path (default: stderr)")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "", "Log level (debug, info, warn, error; default from config)")
	daemonCmd.Flags().StringVar(&daemonSource, "source", "", "Playback source (stream, library; default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if daemonSource != "" {
		cfg.Source = daemonSource
	}

	logLevel := cfg.LogLevel
	if daemonLogLevel != "" {
		logLevel = daemonLogLevel
	}
	logger := setupLogger(daemonLogFile, logLevel)

	logger.Info().
		Str("version", version).
		Str("source", cfg.Source).
		Msg("Starting hibiki daemon")

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Run(); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
