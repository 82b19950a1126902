package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/leftmike/walkv/engine"
	"github.com/leftmike/walkv/repl"
)

var (
	execCmd = &cobra.Command{
		Use:   "exec [command]...",
		Short: "Execute commands, one per argument, or from standard input",
		Long: "Execute commands in a single session: insert <key> <value>, get <key>, " +
			"delete <key>, find <index> <value>, begin, commit, rollback, checkpoint, and " +
			"vacuum.",
		RunE: execRun,
	}
)

func init() {
	walkvCmd.AddCommand(execCmd)
}

func execRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ses := engine.NewSession(e)
	defer ses.Close()

	w := cmd.OutOrStdout()
	if len(args) == 0 {
		return repl.Run(ses, repl.NewReader(os.Stdin), w)
	}
	for _, arg := range args {
		repl.Execute(ses, arg, w)
	}
	return nil
}
