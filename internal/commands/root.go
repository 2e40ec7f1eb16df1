// Package commands provides the supportchat command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"supportchat/internal/config"
)

const configEnv = "SUPPORTCHAT_CONFIG"

var (
	// Global flags
	configFlag string

	// Version info (set at build time)
	Version = "0.1.0"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "supportchat",
	Short: "Customer support chat server",
	Long: `supportchat serves the support chat API: accounts, per-browser chat sessions with
streamed replies, and the conversation history of signed-in users.

Examples:
  supportchat serve                       Start the HTTP server
  supportchat serve --config config.yaml  Start with a YAML config
  supportchat migrate                     Create the database tables`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Config file (JSON or YAML), defaults to $"+configEnv+" or config.json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// configPath returns the config file from the flag, then the environment.
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return os.Getenv(configEnv)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
