package recovery

import (
	"fmt"
)

type ErrorKind int

const (
	WALError ErrorKind = iota + 1
	RedoError
	UndoError
)

func (ek ErrorKind) String() string {
	switch ek {
	case WALError:
		return "wal"
	case RedoError:
		return "redo"
	case UndoError:
		return "undo"
	}
	return fmt.Sprintf("error-kind-%d", int(ek))
}

// Error is returned when recovery can not complete. errors.Is(err, &Error{Kind: RedoError})
// matches any redo error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recovery: %s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Kind == e.Kind && te.Err == nil
}
