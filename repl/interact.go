package repl

import (
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"

	"github.com/leftmike/walkv/engine"
)

const (
	walkvHistory = ".walkv_history"
)

type lineReader struct {
	line *liner.State
}

func (lr lineReader) ReadLine() (string, error) {
	s, err := lr.line.Prompt("walkv: ")
	if err == liner.ErrPromptAborted {
		return "", io.EOF
	} else if err != nil {
		return "", err
	}
	lr.line.AppendHistory(s)
	return s, nil
}

// Interact runs an interactive console session on ses with line editing and history.
func Interact(ses *engine.Session) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(walkvHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	err := Run(ses, lineReader{line: line}, os.Stdout)

	if f, err := os.Create(walkvHistory); err != nil {
		fmt.Fprintf(os.Stderr, "walkv: error writing history file, %s: %s", walkvHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return err
}
