package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cubexhq/usagegate/internal/quota"
)

func newSweepCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending reservations once",
		Long: `Mark pending usage reservations older than the timeout as expired,
releasing their reserved credits back to the workspace quota.

The server runs this on a schedule; the command exists for operational
one-offs against a stopped server or a shared database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Pending timeout (default from config, then 15m)")

	return cmd
}

func runSweep(timeout time.Duration) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if timeout <= 0 {
		timeout = durationOrDefault(viper.GetString("usage.pending_timeout"), quota.DefaultPendingTimeout)
	}

	ledger := quota.NewLedger(st, quietLogger())
	sweeper := quota.NewSweeper(ledger, timeout, quota.DefaultSweepSchedule, quietLogger(), nil)

	n, err := sweeper.RunOnce(context.Background())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if n == 0 {
		fmt.Println("No stale reservations to expire.")
	} else {
		fmt.Printf("Expired %d stale reservation(s) older than %s.\n", n, timeout)
	}
	return nil
}
