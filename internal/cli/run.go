package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"citydata/internal/pipeline"
	"citydata/internal/service"
	"citydata/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline",
	Args:  cobra.NoArgs,
	RunE:  runPipeline,
}

var testStageCmd = &cobra.Command{
	Use:   "test-stage <stage>",
	Short: "Run one stage after its declared dependencies, without caching",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestStage,
}

func init() {
	runCmd.Flags().Bool("force-reload", false, "Fetch every source instead of reusing the source cache")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Run(cmd.Context(), service.TriggerManual)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s finished in %s\n\n", res.RunID, res.Duration.Round(time.Millisecond))
	printStages(out, res.Stages)
	fmt.Fprintf(out, "\nRecords: %d", res.Dataset.Len())
	if res.Deduped > 0 {
		fmt.Fprintf(out, " (%d duplicates dropped)", res.Deduped)
	}
	fmt.Fprintln(out)
	for col, n := range res.Coerced {
		fmt.Fprintf(out, "Coerced %s: %d values set to null\n", col, n)
	}
	if res.Output != "" {
		fmt.Fprintf(out, "Published: %s (%s)\n", res.Output, humanize.Bytes(uint64(res.Bytes)))
	}
	if res.Diff != nil {
		fmt.Fprintf(out, "\n%s\n", res.Diff.Summary())
	}
	return nil
}

func runTestStage(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.TestStage(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownStage) {
			return fmt.Errorf("%w (known stages: %s)", err, strings.Join(a.Stages(), ", "))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stage %s passed after %d dependencies\n\n", args[0], len(res.Stages)-1)
	printStages(out, res.Stages)
	return nil
}

func printStages(w io.Writer, stages []storage.StageRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTAGE\tIN\tOUT\tADDED\tDURATION\tVALIDATED")
	for _, st := range stages {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%v\n",
			st.Ordinal, st.Stage, st.RecordsIn, st.RecordsOut,
			strings.Join(st.ColumnsAdded, ","), st.Duration.Round(time.Millisecond), st.Validated)
	}
	tw.Flush()
}
