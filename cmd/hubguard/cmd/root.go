package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/hubguard/config"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=".
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "hubguard",
	Short: "hubguard tracks login sessions and enforces two-factor authentication",
	Long: `hubguard keeps a server-side record of every login session, lets users
review and revoke them from any device, and guards logins with TOTP codes
and single-use backup codes.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (YAML, TOML, JSON or .env)")
}

// loadConfig merges the config file, HUBGUARD_* environment and the
// command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// addStorageFlags registers the flags shared by every command that opens
// the stores.
func addStorageFlags(flags *pflag.FlagSet) {
	flags.String("backend", config.BackendBolt, "Primary store: memory, bbolt or postgres")
	flags.String("data-dir", "./data", "Directory for the bbolt database")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("session-backend", config.SessionBackendPrimary, "Session record store: primary or redis")
	flags.String("redis-url", "", "Redis URL for the session store")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
}
