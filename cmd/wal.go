package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/walkv/wal"
)

var (
	walCmd = &cobra.Command{
		Use:   "wal",
		Short: "Print the records of the write ahead log",
		Args:  cobra.NoArgs,
		RunE:  walRun,
	}
)

func init() {
	walkvCmd.AddCommand(walCmd)
}

func walPath() string {
	if filepath.IsAbs(cfg.WALFile) {
		return cfg.WALFile
	}
	return filepath.Join(cfg.Data, cfg.WALFile)
}

func walRun(cmd *cobra.Command, args []string) error {
	recs, _, err := wal.NewReader(walPath()).ReadAll()

	w := cmd.OutOrStdout()
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"lsn", "type", "tx", "prev", "details"})
	for _, rec := range recs {
		h := rec.Head()
		prev := ""
		if h.PrevLSN != 0 {
			prev = strconv.FormatUint(uint64(h.PrevLSN), 10)
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(h.LSN), 10),
			rec.Type().String(),
			strconv.FormatUint(uint64(h.TxID), 10),
			prev,
			wal.Details(rec),
		})
	}
	tw.Render()
	fmt.Fprintf(w, "(%d records)\n", len(recs))

	if wal.IsCorrupt(err) {
		fmt.Fprintf(w, "log is corrupt after record %d: %s\n", len(recs), err)
		return nil
	}
	return err
}
