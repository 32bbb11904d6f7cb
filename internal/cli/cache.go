package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"citydata/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the snapshot cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls [zone]",
	Short: "List snapshot files by table and date (all zones by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheLs,
}

func init() {
	cacheCmd.AddCommand(cacheLsCmd)
	cacheLsCmd.Flags().String("table", "", "Only list snapshots of this table")
}

func runCacheLs(cmd *cobra.Command, args []string) error {
	table, _ := cmd.Flags().GetString("table")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m := cache.New(cfg.StorageRoot, cache.WithCRS(cfg.CRS))

	zones := cache.Zones
	if len(args) == 1 {
		z, err := cache.ParseZone(args[0])
		if err != nil {
			return err
		}
		zones = []cache.Zone{z}
	}

	var entries []cache.Entry
	for _, z := range zones {
		list, err := m.List(z)
		if err != nil {
			return fmt.Errorf("list %s: %w", z, err)
		}
		for _, e := range list {
			if table == "" || e.Table == table {
				entries = append(entries, e)
			}
		}
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tTABLE\tVARIANT\tDATE\tFORMAT\tSIZE\tMODIFIED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Zone, e.Table, e.Variant, e.Date.Format("2006-01-02"), e.Format,
			humanize.Bytes(uint64(e.Size)), humanize.Time(e.ModTime))
	}
	return tw.Flush()
}
