package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hubguard/session"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired session records once and exit",
	Long: `Removes every session record whose expiry is at or before now. The
server runs the same sweep periodically; this command suits cron jobs and
deployments that run the server without a sweeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		removed, err := session.NewManager(st.sessions, session.WithLogger(logger)).
			SweepExpired(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	addStorageFlags(sweepCmd.Flags())
}
