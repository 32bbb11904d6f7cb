package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"citydata/internal/logging"
	"citydata/internal/service"
)

// shutdownGrace bounds how long schedule waits for an in-flight run.
const shutdownGrace = 5 * time.Minute

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured cron schedule and on watched file changes",
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

func init() {
	scheduleCmd.Flags().Bool("now", false, "Also run once immediately")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	now, _ := cmd.Flags().GetBool("now")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.Logger().Category(logging.Service)

	ctx := cmd.Context()
	sched := a.Scheduler()
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if now {
		go func() {
			if err := sched.Trigger(ctx, service.TriggerManual); err != nil {
				log.WithError(err).Warn("schedule: initial run failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info("schedule: shutting down")
	sched.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	sched.WaitRunning(waitCtx)
	return nil
}
