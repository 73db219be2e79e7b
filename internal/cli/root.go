package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	jsonLog bool
	apiKey  string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-language code execution sandbox for AI agents",
	Long: `Sandboxd runs untrusted source snippets inside hardened containers on
the local Docker-compatible engine and exposes them to AI agents over a
stdio MCP tool surface.

It keeps a warm pool of containers per language, long-lived named
sessions with TTL expiry, and a content-addressed package install cache.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Logging goes to stderr only: stdout carries the MCP stream.
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOXD_API_KEY"), "API key for the admin surface")
}
