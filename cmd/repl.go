package cmd

import (
	"github.com/spf13/cobra"

	"github.com/leftmike/walkv/engine"
	"github.com/leftmike/walkv/repl"
)

var (
	replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Run with an interactive console session",
		RunE:  replRun,
	}
)

func init() {
	walkvCmd.AddCommand(replCmd)
}

func replRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ses := engine.NewSession(e)
	defer ses.Close()

	return repl.Interact(ses)
}
