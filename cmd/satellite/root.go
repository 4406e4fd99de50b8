package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "satellite",
	Short: "Satellite - client-side replication engine",
}

var (
	schemaPath string
	authSub    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "config/schema.json",
		"Path to the JSON file describing the local database's relation catalog")
	rootCmd.PersistentFlags().StringVar(&authSub, "sub", "",
		"Subject identity bound to this client (overrides SATELLITE_AUTH_SUB)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
