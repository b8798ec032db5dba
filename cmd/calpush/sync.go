package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push to the CalDAV server",
	Long: `Run one push of every stored activity. Per-activity failures are
reported in the run summary; the exit status is non-zero only when no
calendar could be selected.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.engine.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"run_id":     result.RunID,
		"collection": result.Collection,
		"status":     result.Status(),
	}).Info(result.Message())

	for _, o := range result.Outcomes {
		if o.Synced() {
			continue
		}
		fmt.Fprintf(os.Stderr, "%s\t%s\t%s\n", o.ActivityID, o.Status, o.Error)
	}
	return nil
}
