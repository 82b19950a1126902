package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Recover after a crash and print what recovery did",
		Args:  cobra.NoArgs,
		RunE:  recoverRun,
	}
)

func init() {
	walkvCmd.AddCommand(recoverCmd)
}

func recoverRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}

	rmgr := e.Recovery()
	stats := rmgr.Stats()
	redo := "none"
	if lsn, ok := rmgr.RedoLSN(); ok {
		redo = strconv.FormatUint(uint64(lsn), 10)
	}

	w := cmd.OutOrStdout()
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"statistic", "value"})
	tw.AppendBulk([][]string{
		{"records", strconv.Itoa(stats.Records)},
		{"active transactions", strconv.Itoa(rmgr.ActiveTransactionCount())},
		{"dirty pages", strconv.Itoa(rmgr.DirtyPageCount())},
		{"redo lsn", redo},
		{"records redone", strconv.Itoa(stats.RecordsRedone)},
		{"records skipped", strconv.Itoa(stats.RecordsSkipped)},
		{"transactions undone", strconv.Itoa(stats.TransactionsUndone)},
		{"compensation records", strconv.Itoa(stats.CLRsWritten)},
	})
	tw.Render()

	err = e.Close()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "recovered")
	return nil
}
