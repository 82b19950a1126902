// Package repl reads commands a line at a time, executes them in a session, and prints the
// results.
package repl

import (
	"bufio"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/leftmike/walkv/engine"
)

type LineReader interface {
	ReadLine() (string, error)
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (sr scanReader) ReadLine() (string, error) {
	if !sr.scanner.Scan() {
		err := sr.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return "", err
	}
	return sr.scanner.Text(), nil
}

// NewReader returns a LineReader which reads lines from r.
func NewReader(r io.Reader) LineReader {
	return scanReader{bufio.NewScanner(r)}
}

func printResult(w io.Writer, res engine.Result) {
	switch res.Kind {
	case engine.ValueResult:
		if !res.Found {
			fmt.Fprintln(w, "(none)")
		} else {
			fmt.Fprintf(w, "%q\n", res.Value)
		}
	case engine.DeletedResult:
		if res.Deleted {
			fmt.Fprintln(w, "deleted")
		} else {
			fmt.Fprintln(w, "not found")
		}
	case engine.ValuesResult:
		tw := tablewriter.NewWriter(w)
		tw.SetAutoFormatHeaders(false)
		tw.SetHeader([]string{"value"})
		for _, val := range res.Values {
			tw.Append([]string{fmt.Sprintf("%q", val)})
		}
		tw.Render()
		fmt.Fprintf(w, "(%d values)\n", len(res.Values))
	default:
		fmt.Fprintln(w, "ok")
	}
}

// Execute runs line in ses and prints the result or the error to w. It returns the error.
func Execute(ses *engine.Session, line string, w io.Writer) error {
	cmd, err := Parse(line)
	if err != nil {
		fmt.Fprintln(w, err)
		return err
	}
	if cmd == nil {
		return nil
	}

	res, err := ses.Execute(cmd)
	if err != nil {
		fmt.Fprintln(w, err)
		return err
	}
	printResult(w, res)
	return nil
}

// Run executes every line from lr until it returns an error; io.EOF is not an error.
// Errors from commands are printed and do not stop Run.
func Run(ses *engine.Session, lr LineReader, w io.Writer) error {
	for {
		line, err := lr.ReadLine()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		Execute(ses, line, w)
	}
}
