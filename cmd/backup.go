package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	backupCmd = &cobra.Command{
		Use:   "backup <file>",
		Short: "Write the committed keys and values to a compressed backup file",
		Args:  cobra.ExactArgs(1),
		RunE:  backupRun,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore <file>",
		Short: "Insert the keys and values of a backup file in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  restoreRun,
	}
)

func init() {
	walkvCmd.AddCommand(backupCmd)
	walkvCmd.AddCommand(restoreCmd)
}

func backupRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	n, err := e.Backup(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d keys backed up to %s\n", n, args[0])
	return nil
}

func restoreRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := e.LoadBackup(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d keys restored from %s\n", n, args[0])
	return nil
}
