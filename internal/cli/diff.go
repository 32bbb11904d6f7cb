package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"citydata/internal/cache"
	"citydata/internal/diff"
)

var diffCmd = &cobra.Command{
	Use:   "diff <table>",
	Short: "Compare the two most recent pipeline snapshots of a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m := cache.New(cfg.StorageRoot, cache.WithCRS(cfg.CRS))

	report, err := diff.New(m).GenerateDiff(args[0])
	if errors.Is(err, diff.ErrInsufficientHistory) {
		return fmt.Errorf("%w: %s has fewer than two snapshots in %s", err, args[0], cache.PipelineCache)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, report.Summary())
	if report.Added > 0 || report.Removed > 0 {
		fmt.Fprintf(out, "Keys added: %d, removed: %d\n", report.Added, report.Removed)
	}
	if len(report.Dropped) > 0 {
		fmt.Fprintf(out, "Columns on one side only: %v\n", report.Dropped)
	}
	return nil
}
