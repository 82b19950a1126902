package engine

import (
	"fmt"
	"strings"

	"github.com/leftmike/walkv/recovery"
)

// Command is one of Insert, Get, Delete, FindByIndex, BeginTransaction, CommitTransaction,
// RollbackTransaction, Checkpoint, or Vacuum.
type Command interface {
	String() string
	command()
}

type Insert struct {
	Key   []byte
	Value []byte
}

type Get struct {
	Key []byte
}

type Delete struct {
	Key []byte
}

type FindByIndex struct {
	IndexName string
	Value     []byte
}

type BeginTransaction struct{}

type CommitTransaction struct{}

type RollbackTransaction struct{}

type Checkpoint struct{}

type Vacuum struct{}

func (_ Insert) command()              {}
func (_ Get) command()                 {}
func (_ Delete) command()              {}
func (_ FindByIndex) command()         {}
func (_ BeginTransaction) command()    {}
func (_ CommitTransaction) command()   {}
func (_ RollbackTransaction) command() {}
func (_ Checkpoint) command()          {}
func (_ Vacuum) command()              {}

func (c Insert) String() string              { return fmt.Sprintf("insert %q %q", c.Key, c.Value) }
func (c Get) String() string                 { return fmt.Sprintf("get %q", c.Key) }
func (c Delete) String() string              { return fmt.Sprintf("delete %q", c.Key) }
func (c FindByIndex) String() string         { return fmt.Sprintf("find %s %q", c.IndexName, c.Value) }
func (_ BeginTransaction) String() string    { return "begin" }
func (_ CommitTransaction) String() string   { return "commit" }
func (_ RollbackTransaction) String() string { return "rollback" }
func (_ Checkpoint) String() string          { return "checkpoint" }
func (_ Vacuum) String() string              { return "vacuum" }

type ResultKind int

const (
	SuccessResult ResultKind = iota
	ValueResult
	DeletedResult
	ValuesResult
)

// Result is tagged by Kind: Value and Found are set for ValueResult, Deleted for
// DeletedResult, and Values for ValuesResult.
type Result struct {
	Kind    ResultKind
	Value   []byte
	Found   bool
	Deleted bool
	Values  [][]byte
}

func (r Result) String() string {
	switch r.Kind {
	case SuccessResult:
		return "success"
	case ValueResult:
		if !r.Found {
			return "value: none"
		}
		return fmt.Sprintf("value: %q", r.Value)
	case DeletedResult:
		return fmt.Sprintf("deleted: %v", r.Deleted)
	case ValuesResult:
		var vals []string
		for _, v := range r.Values {
			vals = append(vals, fmt.Sprintf("%q", v))
		}
		return fmt.Sprintf("values: [%s]", strings.Join(vals, " "))
	}
	return fmt.Sprintf("result-kind-%d", r.Kind)
}

// Session executes commands for one client; it has at most one explicit transaction at a
// time and commands outside of it run in implicit transactions.
type Session struct {
	e  *Engine
	tx *Transaction
}

func NewSession(e *Engine) *Session {
	return &Session{
		e: e,
	}
}

// Transaction returns the explicit transaction of the session or nil.
func (ses *Session) Transaction() *Transaction {
	return ses.tx
}

func (ses *Session) Execute(cmd Command) (Result, error) {
	res, err := ses.execute(cmd)
	if ses.tx != nil && ses.tx.State() != recovery.Active {
		// The transaction was rolled back because of an error.
		ses.tx = nil
	}
	return res, err
}

func (ses *Session) execute(cmd Command) (Result, error) {
	switch cmd := cmd.(type) {
	case Insert:
		return Result{Kind: SuccessResult}, ses.e.Insert(ses.tx, cmd.Key, cmd.Value)
	case Get:
		val, ok, err := ses.e.Get(ses.tx, cmd.Key)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ValueResult, Value: val, Found: ok}, nil
	case Delete:
		ok, err := ses.e.Delete(ses.tx, cmd.Key)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: DeletedResult, Deleted: ok}, nil
	case FindByIndex:
		vals, err := ses.e.FindByIndex(ses.tx, cmd.IndexName, cmd.Value)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ValuesResult, Values: vals}, nil
	case BeginTransaction:
		if ses.tx != nil {
			return Result{}, ErrTransactionActive
		}
		tx, err := ses.e.Begin()
		if err != nil {
			return Result{}, err
		}
		ses.tx = tx
		return Result{Kind: SuccessResult}, nil
	case CommitTransaction:
		if ses.tx == nil {
			return Result{}, ErrNoActiveTransaction
		}
		tx := ses.tx
		ses.tx = nil
		return Result{Kind: SuccessResult}, ses.e.Commit(tx)
	case RollbackTransaction:
		if ses.tx == nil {
			return Result{}, ErrNoActiveTransaction
		}
		tx := ses.tx
		ses.tx = nil
		return Result{Kind: SuccessResult}, ses.e.Rollback(tx)
	case Checkpoint:
		return Result{Kind: SuccessResult}, ses.e.Checkpoint()
	case Vacuum:
		_, err := ses.e.Vacuum()
		return Result{Kind: SuccessResult}, err
	}
	panic(fmt.Sprintf("unexpected command: %T", cmd))
}

// Close rolls back the explicit transaction of the session, if any.
func (ses *Session) Close() error {
	if ses.tx == nil {
		return nil
	}
	tx := ses.tx
	ses.tx = nil
	err := ses.e.Rollback(tx)
	if err == ErrTransactionNotActive {
		return nil
	}
	return err
}
