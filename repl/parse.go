package repl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/leftmike/walkv/engine"
)

// split breaks line into words separated by white space; a word may be a double quoted Go
// string.
func split(line string) ([]string, error) {
	var words []string
	for {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)
		if line == "" {
			return words, nil
		}

		if line[0] == '"' {
			q, err := strconv.QuotedPrefix(line)
			if err != nil {
				return nil, fmt.Errorf("bad quoted string: %s", line)
			}
			s, err := strconv.Unquote(q)
			if err != nil {
				return nil, err
			}
			words = append(words, s)
			line = line[len(q):]
		} else {
			n := strings.IndexFunc(line, unicode.IsSpace)
			if n < 0 {
				n = len(line)
			}
			words = append(words, line[:n])
			line = line[n:]
		}
	}
}

var commands = map[string]struct {
	args int
	make func(args []string) engine.Command
}{
	"insert": {2, func(args []string) engine.Command {
		return engine.Insert{Key: []byte(args[0]), Value: []byte(args[1])}
	}},
	"get": {1, func(args []string) engine.Command {
		return engine.Get{Key: []byte(args[0])}
	}},
	"delete": {1, func(args []string) engine.Command {
		return engine.Delete{Key: []byte(args[0])}
	}},
	"find": {2, func(args []string) engine.Command {
		return engine.FindByIndex{IndexName: args[0], Value: []byte(args[1])}
	}},
	"begin":      {0, func(args []string) engine.Command { return engine.BeginTransaction{} }},
	"commit":     {0, func(args []string) engine.Command { return engine.CommitTransaction{} }},
	"rollback":   {0, func(args []string) engine.Command { return engine.RollbackTransaction{} }},
	"checkpoint": {0, func(args []string) engine.Command { return engine.Checkpoint{} }},
	"vacuum":     {0, func(args []string) engine.Command { return engine.Vacuum{} }},
}

// Parse returns the command on line or nil if the line is blank or a comment.
func Parse(line string) (engine.Command, error) {
	words, err := split(line)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 || strings.HasPrefix(words[0], "#") {
		return nil, nil
	}

	cmd, ok := commands[strings.ToLower(words[0])]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", words[0])
	}
	if len(words)-1 != cmd.args {
		return nil, fmt.Errorf("%s: expected %d arguments; got %d", words[0], cmd.args,
			len(words)-1)
	}
	return cmd.make(words[1:]), nil
}
