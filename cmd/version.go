package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "walkv 0.1.0"

func init() {
	walkvCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of walkv",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		})
}
