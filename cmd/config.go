package cmd

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	walkvCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "Print the settings and where each came from",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				tw := tablewriter.NewWriter(cmd.OutOrStdout())
				tw.SetAutoFormatHeaders(false)
				tw.SetHeader([]string{"name", "value", "by"})
				for _, s := range cfg.Settings() {
					tw.Append([]string{s.Name, s.Value, s.By})
				}
				tw.Render()
			},
		})
}
