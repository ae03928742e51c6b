package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hubguard/config"
	"github.com/jmcleod/hubguard/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the Postgres schema",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Backend != config.BackendPostgres {
			return errors.New("migrate requires --backend postgres")
		}
		if err := postgres.Migrate(cfg.DatabaseURL, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	flags := migrateCmd.Flags()
	flags.String("backend", config.BackendPostgres, "Primary store; must be postgres")
	flags.String("database-url", "", "Postgres connection string")
}
